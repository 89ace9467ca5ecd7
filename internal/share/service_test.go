package share

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/tradingroom/internal/capture"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pubCall struct {
	op    string
	track *media.Track
}

type recordingPublisher struct {
	mu      sync.Mutex
	calls   []pubCall
	current *media.Track
	mic     bool
	failOn  string
}

func (p *recordingPublisher) record(op string, t *media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn == op {
		return errors.New(op + " failed")
	}
	p.calls = append(p.calls, pubCall{op: op, track: t})
	if op != "mic" {
		p.current = t
	}
	return nil
}

func (p *recordingPublisher) PublishPrimaryVideoTrack(_ context.Context, t *media.Track) error {
	return p.record("publish", t)
}

func (p *recordingPublisher) ReplacePrimaryVideoTrack(_ context.Context, t *media.Track) error {
	return p.record("replace", t)
}

func (p *recordingPublisher) StopPrimaryVideo(context.Context) error {
	return p.record("stop", nil)
}

func (p *recordingPublisher) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	if err := p.record("mic", nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.mic = enabled
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.op)
	}
	return out
}

func (p *recordingPublisher) last() pubCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func (p *recordingPublisher) published() *media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

type fixture struct {
	devices *capture.Synthetic
	store   *Store
	pub     *recordingPublisher
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	devices := capture.NewSynthetic([]string{"FaceTime HD Camera", "OBS Virtual Camera"}, "video/VP8")
	store := NewStore()
	pub := &recordingPublisher{}
	return &fixture{
		devices: devices,
		store:   store,
		pub:     pub,
		svc:     NewService(store, capture.NewAcquirer(devices), pub),
	}
}

func (f *fixture) start(t *testing.T, opts StartOptions) Share {
	t.Helper()
	sh, err := f.svc.StartShare(context.Background(), opts)
	require.NoError(t, err)
	return sh
}

// converged checks that the published track is the primary share's video
// track, and that nothing is published without shares.
func (f *fixture) converged(t *testing.T) {
	t.Helper()
	p, ok := f.store.Primary()
	if !ok {
		assert.Nil(t, f.pub.published())
		assert.Zero(t, f.store.Len())
		return
	}
	require.NotNil(t, f.pub.published())
	assert.Equal(t, p.Video().ID(), f.pub.published().ID())
	assert.True(t, f.pub.published().Live())
}

func TestFirstShareIsPublishedAsPrimary(t *testing.T) {
	f := newFixture(t)

	sh := f.start(t, StartOptions{Kind: domain.ShareDisplay})

	assert.True(t, sh.IsPrimary)
	assert.Equal(t, domain.DefaultResolution, sh.Resolution)
	assert.Equal(t, []string{"publish"}, f.pub.ops())
	assert.Same(t, sh.Video(), f.pub.last().track)
	f.converged(t)
}

func TestSecondShareIsSecondaryByDefault(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})

	assert.False(t, second.IsPrimary)
	assert.Equal(t, "OBS Virtual Camera", second.Label)
	assert.Equal(t, first.ID, f.store.PrimaryID())
	assert.Equal(t, []string{"publish"}, f.pub.ops())

	yes := true
	third := f.start(t, StartOptions{Kind: domain.ShareDisplay, MakePrimary: &yes})
	assert.True(t, third.IsPrimary)
	assert.Equal(t, []string{"publish", "replace"}, f.pub.ops())
	f.converged(t)
}

func TestStopPrimaryWithRemainingShareReplaces(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})

	require.NoError(t, f.svc.StopShare(context.Background(), first.ID))

	p, ok := f.store.Primary()
	require.True(t, ok)
	assert.Equal(t, second.ID, p.ID)
	assert.Equal(t, []string{"publish", "replace"}, f.pub.ops())
	assert.Same(t, second.Video(), f.pub.last().track)
	assert.NotContains(t, f.pub.ops(), "stop")
	assert.False(t, first.Video().Live())
	f.converged(t)
}

func TestStopPrimaryReplaceFailureStopsPublishing(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})
	f.pub.failOn = "replace"

	err := f.svc.StopShare(context.Background(), first.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace failed")

	assert.Equal(t, []string{"publish", "stop"}, f.pub.ops())
	assert.Nil(t, f.pub.published(), "stopped track left on the sender")
	assert.False(t, first.Video().Live())
	assert.Equal(t, second.ID, f.store.PrimaryID())
}

func TestStopLastShareStopsPublishing(t *testing.T) {
	f := newFixture(t)
	only := f.start(t, StartOptions{Kind: domain.ShareDisplay})

	require.NoError(t, f.svc.StopShare(context.Background(), only.ID))

	assert.Equal(t, []string{"publish", "stop"}, f.pub.ops())
	snap := f.store.Snapshot()
	assert.Empty(t, snap.Shares)
	assert.Empty(t, snap.PrimaryID)
	f.converged(t)

	assert.ErrorIs(t, f.svc.StopShare(context.Background(), only.ID), domain.ErrShareNotFound)
}

func TestStopSecondaryLeavesPublisherAlone(t *testing.T) {
	f := newFixture(t)
	f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareDisplay})

	require.NoError(t, f.svc.StopShare(context.Background(), second.ID))
	assert.Equal(t, []string{"publish"}, f.pub.ops())
	f.converged(t)
}

func TestAcquisitionFailureRegistersNothing(t *testing.T) {
	f := newFixture(t)
	f.devices.SetDenied(true)

	_, err := f.svc.StartShare(context.Background(), StartOptions{Kind: domain.ShareDisplay})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.pub.ops())

	_, err = f.svc.StartShare(context.Background(), StartOptions{Kind: "whiteboard"})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
}

func TestPublishFailureStopsStream(t *testing.T) {
	f := newFixture(t)
	f.pub.failOn = "publish"

	_, err := f.svc.StartShare(context.Background(), StartOptions{Kind: domain.ShareDisplay})
	require.Error(t, err)
	assert.Zero(t, f.store.Len())
}

func TestMakePrimary(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})

	require.NoError(t, f.svc.MakePrimary(context.Background(), second.ID))
	require.NoError(t, f.svc.MakePrimary(context.Background(), second.ID))

	assert.Equal(t, []string{"publish", "replace"}, f.pub.ops())
	got, _ := f.store.Get(first.ID)
	assert.False(t, got.IsPrimary)
	f.converged(t)

	assert.ErrorIs(t, f.svc.MakePrimary(context.Background(), "missing"), domain.ErrShareNotFound)
}

func TestMakePrimaryPublisherFailureKeepsStore(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	f.pub.failOn = "replace"

	require.Error(t, f.svc.MakePrimary(context.Background(), second.ID))
	assert.Equal(t, first.ID, f.store.PrimaryID())
	f.converged(t)
}

func TestSetResolutionReacquires(t *testing.T) {
	f := newFixture(t)
	sh := f.start(t, StartOptions{Kind: domain.ShareDisplay, SystemAudio: true})
	oldVideo := sh.Video()

	res := domain.Resolution{Width: 1280, Height: 720, FrameRate: 15}
	updated, err := f.svc.SetResolution(context.Background(), sh.ID, res)
	require.NoError(t, err)

	assert.Equal(t, sh.ID, updated.ID)
	assert.Equal(t, res, updated.Resolution)
	assert.Equal(t, "screen 1280x720@15", updated.Video().Label())
	assert.NotEqual(t, oldVideo.ID(), updated.VideoTrackID)
	assert.NotEmpty(t, updated.AudioTrackID)
	assert.False(t, oldVideo.Live())
	assert.Equal(t, []string{"publish", "replace"}, f.pub.ops())
	f.converged(t)
}

func TestSetResolutionFailureRemovesShare(t *testing.T) {
	f := newFixture(t)
	sh := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	f.devices.SetDenied(true)

	_, err := f.svc.SetResolution(context.Background(), sh.ID, domain.Resolution{Width: 640, Height: 360, FrameRate: 30})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, []string{"publish", "stop"}, f.pub.ops())
	f.converged(t)
}

func TestTogglePause(t *testing.T) {
	f := newFixture(t)
	sh := f.start(t, StartOptions{Kind: domain.ShareDisplay, SystemAudio: true})

	paused, err := f.svc.TogglePause(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.False(t, sh.Video().Enabled())
	assert.True(t, sh.Stream.Audio().Enabled())
	assert.True(t, sh.Video().Live())
	got, _ := f.store.Get(sh.ID)
	assert.True(t, got.IsPaused)

	paused, err = f.svc.TogglePause(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.False(t, paused)
	assert.True(t, sh.Video().Enabled())
}

func TestToggleMic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.ToggleMic(context.Background(), true))
	assert.True(t, f.pub.mic)
	require.NoError(t, f.svc.ToggleMic(context.Background(), false))
	assert.False(t, f.pub.mic)
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	b := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})

	require.NoError(t, f.svc.StopAll(context.Background()))

	assert.Zero(t, f.store.Len())
	assert.Equal(t, "stop", f.pub.last().op)
	assert.False(t, a.Video().Live())
	assert.False(t, b.Video().Live())
	f.converged(t)
}

func TestTrackEndedRemovesShare(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	second := f.start(t, StartOptions{Kind: domain.ShareVirtualCamera})

	require.True(t, f.devices.Revoke(first.Stream.ID()))

	require.Eventually(t, func() bool {
		_, ok := f.store.Get(first.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.pub.published() == second.Video() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, second.ID, f.store.PrimaryID())
}

func TestEndedOldStreamAfterResolutionChangeIsIgnored(t *testing.T) {
	f := newFixture(t)
	sh := f.start(t, StartOptions{Kind: domain.ShareDisplay})
	oldStream := sh.Stream

	_, err := f.svc.SetResolution(context.Background(), sh.ID, domain.Resolution{Width: 800, Height: 600, FrameRate: 30})
	require.NoError(t, err)

	// the old tracks were stopped, so ending them is a no-op
	f.devices.Revoke(oldStream.ID())
	time.Sleep(30 * time.Millisecond)
	_, ok := f.store.Get(sh.ID)
	assert.True(t, ok)
}

// blockingAcquirer parks acquisitions until released.
type blockingAcquirer struct {
	inner   *capture.Acquirer
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAcquirer) AcquireDisplay(ctx context.Context, res domain.Resolution, audio bool) (*media.Stream, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.inner.AcquireDisplay(ctx, res, audio)
}

func (b *blockingAcquirer) AcquireVirtualCamera(ctx context.Context, hint string, res domain.Resolution) (*media.Stream, error) {
	return b.inner.AcquireVirtualCamera(ctx, hint, res)
}

func TestStaleAcquisitionIsDiscarded(t *testing.T) {
	devices := capture.NewSynthetic(nil, "video/VP8")
	acq := &blockingAcquirer{
		inner:   capture.NewAcquirer(devices),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewStore()
	pub := &recordingPublisher{}
	svc := NewService(store, acq, pub)

	type result struct {
		sh  Share
		err error
	}
	done := make(chan result, 1)
	go func() {
		sh, err := svc.StartShare(context.Background(), StartOptions{Kind: domain.ShareDisplay})
		done <- result{sh, err}
	}()

	<-acq.entered
	svc.Invalidate()
	close(acq.release)

	r := <-done
	assert.ErrorIs(t, r.err, domain.ErrStale)
	assert.Zero(t, store.Len())
	assert.Empty(t, pub.ops())
}

func TestPublishedTrackFollowsPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	kinds := []domain.ShareKind{domain.ShareDisplay, domain.ShareVirtualCamera}

	for i := 0; i < 60; i++ {
		ids := make([]string, 0)
		for _, s := range f.store.Shares() {
			ids = append(ids, s.ID)
		}
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			f.start(t, StartOptions{Kind: kinds[rng.Intn(2)]})
		case op == 1:
			require.NoError(t, f.svc.StopShare(ctx, ids[rng.Intn(len(ids))]))
		case op == 2:
			require.NoError(t, f.svc.MakePrimary(ctx, ids[rng.Intn(len(ids))]))
		default:
			res := domain.Resolution{Width: 640 + 64*rng.Intn(10), Height: 360, FrameRate: 30}
			_, err := f.svc.SetResolution(ctx, ids[rng.Intn(len(ids))], res)
			require.NoError(t, err)
		}
		f.converged(t)
	}
}

func TestConcurrentOperationsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.start(t, StartOptions{Kind: domain.ShareDisplay})
	}
	ids := make([]string, 0)
	for _, s := range f.store.Shares() {
		ids = append(ids, s.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			switch i % 3 {
			case 0:
				_ = f.svc.MakePrimary(ctx, id)
			case 1:
				_, _ = f.svc.SetResolution(ctx, id, domain.Resolution{Width: 1280, Height: 720, FrameRate: 30})
			default:
				_, _ = f.svc.StartShare(ctx, StartOptions{Kind: domain.ShareVirtualCamera})
			}
		}(i)
	}
	wg.Wait()
	f.converged(t)
}
