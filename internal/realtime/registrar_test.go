package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	next      int
	created   []domain.LocalTrack
	deleted   []string
	createErr error
	deleteErr error
}

func (f *fakeRegistry) CreateTrack(_ context.Context, room domain.RoomID, t domain.LocalTrack) (domain.MediaTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.MediaTrack{}, f.createErr
	}
	f.next++
	f.created = append(f.created, t)
	return domain.MediaTrack{
		ID:        fmt.Sprintf("srv-%d", f.next),
		RoomID:    room,
		UserID:    "me",
		TrackID:   t.ID,
		TrackType: t.Type,
		IsActive:  true,
	}, nil
}

func (f *fakeRegistry) DeleteTrack(_ context.Context, room domain.RoomID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, string(room)+"/"+id)
	return nil
}

func (f *fakeRegistry) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type localTracks struct {
	mu     sync.Mutex
	tracks []domain.LocalTrack
}

func (l *localTracks) set(ts ...domain.LocalTrack) {
	l.mu.Lock()
	l.tracks = ts
	l.mu.Unlock()
}

func (l *localTracks) get() []domain.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LocalTrack(nil), l.tracks...)
}

func (l *localTracks) ids() []string {
	var out []string
	for _, t := range l.get() {
		out = append(out, t.ID)
	}
	return out
}

func screenTrack(id string) domain.LocalTrack {
	return domain.LocalTrack{ID: id, Type: domain.TrackScreen}
}

func TestRegistrarRegistersAndUnregisters(t *testing.T) {
	ctx := context.Background()
	s := NewService(newFakeMux())
	reg := &fakeRegistry{}
	local := &localTracks{}
	r := NewRegistrar(reg, s, local.get)

	local.set(screenTrack("local-a"))
	require.NoError(t, r.Sync(ctx))
	assert.Zero(t, reg.createdCount(), "no room yet")

	require.NoError(t, s.SubscribeToRoom("r1"))
	require.NoError(t, r.Sync(ctx))
	require.NoError(t, r.Sync(ctx))
	require.Equal(t, 1, reg.createdCount(), "registered once")
	id, ok := r.Registered("local-a")
	require.True(t, ok)
	assert.Equal(t, "srv-1", id)
	assert.True(t, s.Tracks().Has("srv-1"))

	local.set()
	require.NoError(t, r.Sync(ctx))
	assert.Equal(t, []string{"r1/srv-1"}, reg.deleted)
	assert.False(t, s.Tracks().Has("srv-1"))
	_, ok = r.Registered("local-a")
	assert.False(t, ok)
}

func TestRegistrarMovesWithRoom(t *testing.T) {
	ctx := context.Background()
	s := NewService(newFakeMux())
	reg := &fakeRegistry{}
	local := &localTracks{}
	local.set(screenTrack("local-a"))
	r := NewRegistrar(reg, s, local.get)

	require.NoError(t, s.SubscribeToRoom("r1"))
	require.NoError(t, r.Sync(ctx))

	require.NoError(t, s.SubscribeToRoom("r2"))
	require.NoError(t, r.Sync(ctx))
	assert.Equal(t, []string{"r1/srv-1"}, reg.deleted)
	id, _ := r.Registered("local-a")
	assert.Equal(t, "srv-2", id)
	assert.True(t, s.Tracks().Has("srv-2"))

	s.UnsubscribeFromRoom()
	require.NoError(t, r.Sync(ctx))
	assert.Equal(t, []string{"r1/srv-1", "r2/srv-2"}, reg.deleted)
	assert.Equal(t, 2, reg.createdCount())
}

func TestRegistrarRetriesFailures(t *testing.T) {
	ctx := context.Background()
	s := NewService(newFakeMux())
	require.NoError(t, s.SubscribeToRoom("r1"))
	reg := &fakeRegistry{createErr: errors.New("502")}
	local := &localTracks{}
	local.set(screenTrack("local-a"))
	r := NewRegistrar(reg, s, local.get)

	assert.Error(t, r.Sync(ctx))
	_, ok := r.Registered("local-a")
	assert.False(t, ok)

	reg.mu.Lock()
	reg.createErr = nil
	reg.mu.Unlock()
	require.NoError(t, r.Sync(ctx))
	_, ok = r.Registered("local-a")
	assert.True(t, ok)

	// a failed delete keeps the registration for the next pass
	reg.mu.Lock()
	reg.deleteErr = errors.New("502")
	reg.mu.Unlock()
	local.set()
	assert.Error(t, r.Sync(ctx))
	_, ok = r.Registered("local-a")
	assert.True(t, ok)

	reg.mu.Lock()
	reg.deleteErr = fmt.Errorf("srv-1: %w", domain.ErrTrackNotFound)
	reg.mu.Unlock()
	require.NoError(t, r.Sync(ctx), "already gone counts as removed")
	_, ok = r.Registered("local-a")
	assert.False(t, ok)
}

func TestRegistrarRunSyncsOnNotify(t *testing.T) {
	s := NewService(newFakeMux())
	require.NoError(t, s.SubscribeToRoom("r1"))
	reg := &fakeRegistry{}
	local := &localTracks{}
	r := NewRegistrar(reg, s, local.get)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 0)

	local.set(screenTrack("local-a"))
	r.Notify()
	r.Notify()
	require.Eventually(t, func() bool { return reg.createdCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatCoversRegisteredShares(t *testing.T) {
	ctx := context.Background()
	s := NewService(newFakeMux())
	require.NoError(t, s.SubscribeToRoom("r1"))
	local := &localTracks{}
	r := NewRegistrar(&fakeRegistry{}, s, local.get)
	keeper := &fakeKeeper{}
	hb := NewHeartbeat(keeper, s, "sess-1", time.Minute, local.ids)

	local.set(screenTrack("local-a"), domain.LocalTrack{ID: "local-b", Type: domain.TrackAudio})
	require.NoError(t, hb.Beat(ctx))
	assert.Zero(t, keeper.beatCount(), "not registered yet")

	require.NoError(t, r.Sync(ctx))
	require.NoError(t, hb.Beat(ctx))
	require.Equal(t, 1, keeper.beatCount())
	assert.ElementsMatch(t, []string{"srv-1", "srv-2"}, keeper.beats[0].ids)
	assert.Equal(t, domain.RoomID("r1"), keeper.beats[0].room)
}
