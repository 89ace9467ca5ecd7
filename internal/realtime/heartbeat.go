package realtime

import (
	"context"
	"time"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackKeeper is the server endpoint pair that keeps published tracks
// alive and sweeps stale ones.
type TrackKeeper interface {
	Heartbeat(ctx context.Context, room domain.RoomID, sessionID string, trackIDs []string) error
	Cleanup(ctx context.Context, room domain.RoomID) (int64, error)
}

// Heartbeat periodically reports the tracks this client still publishes so
// the server does not sweep them.
type Heartbeat struct {
	keeper    TrackKeeper
	rooms     *Service
	sessionID string
	period    time.Duration
	localIDs  func() []string
	logger    zerolog.Logger
}

// NewHeartbeat builds a heartbeat for the tracks returned by localIDs,
// which are local media track ids.
func NewHeartbeat(keeper TrackKeeper, rooms *Service, sessionID string, period time.Duration, localIDs func() []string) *Heartbeat {
	return &Heartbeat{
		keeper:    keeper,
		rooms:     rooms,
		sessionID: sessionID,
		period:    period,
		localIDs:  localIDs,
		logger:    log.With().Str("module", "realtime.heartbeat").Logger(),
	}
}

// Run beats every period until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.period <= 0 {
		h.logger.Info().Msg("heartbeat disabled")
		return
	}
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Beat sends one heartbeat. Without a room or registered tracks it does
// nothing.
func (h *Heartbeat) Beat(ctx context.Context) error {
	room := h.rooms.Room()
	if room == "" {
		return nil
	}
	ids := h.rooms.RegisteredTrackIDs(h.localIDs())
	if len(ids) == 0 {
		return nil
	}
	if err := h.keeper.Heartbeat(ctx, room, h.sessionID, ids); err != nil {
		return err
	}
	h.logger.Debug().Str("room", string(room)).Int("tracks", len(ids)).Msg("heartbeat sent")
	return nil
}

// TriggerCleanup asks the server to sweep stale tracks of the current room.
func (h *Heartbeat) TriggerCleanup(ctx context.Context) (int64, error) {
	room := h.rooms.Room()
	if room == "" {
		return 0, domain.ErrUnknownRoom
	}
	n, err := h.keeper.Cleanup(ctx, room)
	if err != nil {
		return 0, err
	}
	h.logger.Info().Str("room", string(room)).Int64("removed", n).Msg("cleanup triggered")
	return n, nil
}
