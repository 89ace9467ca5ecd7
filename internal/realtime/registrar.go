package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackRegistry creates and removes server registrations of local tracks.
type TrackRegistry interface {
	CreateTrack(ctx context.Context, room domain.RoomID, t domain.LocalTrack) (domain.MediaTrack, error)
	DeleteTrack(ctx context.Context, room domain.RoomID, id string) error
}

type registration struct {
	room     domain.RoomID
	serverID string
}

// Registrar keeps one server registration per local track in the current
// room. Registrations enter the tracks collection right away so the
// heartbeat covers them before the server echoes track_added.
type Registrar struct {
	registry TrackRegistry
	rooms    *Service
	local    func() []domain.LocalTrack
	poke     chan struct{}
	logger   zerolog.Logger

	mu         sync.Mutex
	registered map[string]registration
}

func NewRegistrar(registry TrackRegistry, rooms *Service, local func() []domain.LocalTrack) *Registrar {
	return &Registrar{
		registry:   registry,
		rooms:      rooms,
		local:      local,
		poke:       make(chan struct{}, 1),
		registered: make(map[string]registration),
		logger:     log.With().Str("module", "realtime.registrar").Logger(),
	}
}

// Notify asks Run for a sync. It never blocks, so it is safe from store
// listeners.
func (r *Registrar) Notify() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Run syncs on every Notify and every period until ctx is done. The
// periodic pass picks up room changes and retries failed registrations.
func (r *Registrar) Run(ctx context.Context, period time.Duration) {
	var tick <-chan time.Time
	if period > 0 {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.poke:
		case <-tick:
		}
		if err := r.Sync(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("track sync incomplete")
		}
	}
}

// Sync deletes registrations of tracks that are gone or belong to another
// room, then registers every local track not yet known in the current room.
func (r *Registrar) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms.Room()
	want := make(map[string]domain.LocalTrack)
	for _, t := range r.local() {
		want[t.ID] = t
	}

	var errs []error
	for localID, reg := range r.registered {
		if _, ok := want[localID]; ok && reg.room == room {
			continue
		}
		err := r.registry.DeleteTrack(ctx, reg.room, reg.serverID)
		if err != nil && !errors.Is(err, domain.ErrTrackNotFound) {
			errs = append(errs, fmt.Errorf("unregister %s: %w", localID, err))
			continue
		}
		delete(r.registered, localID)
		if reg.room == room {
			r.rooms.Tracks().Remove(reg.serverID)
		}
		r.logger.Info().Str("room", string(reg.room)).Str("track", localID).Str("id", reg.serverID).Msg("track unregistered")
	}

	if room == "" {
		return errors.Join(errs...)
	}
	for localID, t := range want {
		if _, ok := r.registered[localID]; ok {
			continue
		}
		mt, err := r.registry.CreateTrack(ctx, room, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", localID, err))
			continue
		}
		if mt.TrackID == "" {
			mt.TrackID = localID
		}
		r.registered[localID] = registration{room: room, serverID: mt.ID}
		r.rooms.Tracks().Insert(mt)
		r.logger.Info().Str("room", string(room)).Str("track", localID).Str("id", mt.ID).Msg("track registered")
	}
	return errors.Join(errs...)
}

// Registered returns the server id of a local track's registration.
func (r *Registrar) Registered(localID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registered[localID]
	return reg.serverID, ok
}
