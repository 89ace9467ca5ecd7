package share

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type StartOptions struct {
	Kind domain.ShareKind `json:"kind"`
	// Label names a display share, or is the device hint of a camera share.
	Label       string            `json:"label,omitempty"`
	Resolution  domain.Resolution `json:"resolution"`
	SystemAudio bool              `json:"system_audio,omitempty"`
	// MakePrimary nil means primary only when no other share exists.
	MakePrimary *bool `json:"make_primary,omitempty"`
}

// Service drives the share lifecycle. Operations that touch the store or
// the publisher run one at a time, so the published track always matches
// the store's primary share once an operation returns.
type Service struct {
	store *Store
	acq   core.Acquirer
	pub   core.Publisher
	queue *semaphore.Weighted
	gen   atomic.Uint64

	mu       sync.Mutex
	watchers map[string]func()

	logger zerolog.Logger
}

func NewService(store *Store, acq core.Acquirer, pub core.Publisher) *Service {
	if pub == nil {
		pub = NewNoopPublisher()
	}
	return &Service{
		store:    store,
		acq:      acq,
		pub:      pub,
		queue:    semaphore.NewWeighted(1),
		watchers: make(map[string]func()),
		logger:   log.With().Str("module", "share.service").Logger(),
	}
}

func (s *Service) Store() *Store { return s.store }

// Invalidate discards every acquisition still in flight: they finish with
// domain.ErrStale and their streams are stopped.
func (s *Service) Invalidate() {
	s.gen.Add(1)
	s.logger.Debug().Msg("acquisitions invalidated")
}

func (s *Service) enqueue(ctx context.Context) (func(), error) {
	if err := s.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.queue.Release(1) }, nil
}

// StartShare acquires a capture and registers it. Capture happens outside
// the queue so a pending permission prompt does not block other operations.
func (s *Service) StartShare(ctx context.Context, opts StartOptions) (Share, error) {
	if !opts.Kind.Valid() {
		return Share{}, fmt.Errorf("%q: %w", opts.Kind, domain.ErrInvalidKind)
	}
	res := opts.Resolution
	if res.IsZero() {
		res = domain.DefaultResolution
	}
	gen := s.gen.Load()

	stream, err := s.acquire(ctx, opts.Kind, opts.Label, res, opts.SystemAudio)
	if err != nil {
		return Share{}, err
	}
	video := stream.Video()
	if video == nil {
		stream.Stop()
		return Share{}, domain.ErrNoVideoTrack
	}

	release, err := s.enqueue(ctx)
	if err != nil {
		stream.Stop()
		return Share{}, err
	}
	defer release()

	if s.gen.Load() != gen {
		stream.Stop()
		s.logger.Info().Str("kind", string(opts.Kind)).Msg("stale acquisition discarded")
		return Share{}, domain.ErrStale
	}

	current, hasPrimary := s.store.Primary()
	primary := !hasPrimary || (opts.MakePrimary != nil && *opts.MakePrimary)
	if primary {
		if hasPrimary {
			err = s.pub.ReplacePrimaryVideoTrack(ctx, video)
		} else {
			err = s.pub.PublishPrimaryVideoTrack(ctx, video)
		}
		if err != nil {
			stream.Stop()
			return Share{}, fmt.Errorf("publish: %w", err)
		}
	}

	label := video.Label()
	if opts.Kind == domain.ShareDisplay && opts.Label != "" {
		label = opts.Label
	}
	sh := s.store.AddShare(Share{
		Kind:        opts.Kind,
		Label:       label,
		Stream:      stream,
		IsPrimary:   primary,
		Resolution:  res,
		SystemAudio: opts.SystemAudio,
	})
	s.watch(sh.ID, stream)

	ev := s.logger.Info().Str("share", sh.ID).Str("kind", string(sh.Kind)).Bool("primary", primary)
	if hasPrimary && primary {
		ev = ev.Str("demoted", current.ID)
	}
	ev.Msg("share started")
	return sh, nil
}

func (s *Service) acquire(ctx context.Context, kind domain.ShareKind, label string, res domain.Resolution, audio bool) (*media.Stream, error) {
	switch kind {
	case domain.ShareDisplay:
		return s.acq.AcquireDisplay(ctx, res, audio)
	case domain.ShareVirtualCamera:
		return s.acq.AcquireVirtualCamera(ctx, label, res)
	default:
		return nil, domain.ErrInvalidKind
	}
}

func (s *Service) StopShare(ctx context.Context, id string) error {
	release, err := s.enqueue(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.removeLocked(ctx, id, nil)
}

// removeLocked is the single removal path. With expect set, the share is
// only removed if it still owns that stream.
func (s *Service) removeLocked(ctx context.Context, id string, expect *media.Stream) error {
	sh, ok := s.store.Get(id)
	if !ok {
		return domain.ErrShareNotFound
	}
	if expect != nil && sh.Stream != expect {
		return nil
	}
	s.unwatch(id)
	s.store.RemoveShare(id)
	s.logger.Info().Str("share", id).Bool("was_primary", sh.IsPrimary).Msg("share stopped")

	if !sh.IsPrimary {
		return nil
	}
	if next, ok := s.store.Primary(); ok {
		err := s.pub.ReplacePrimaryVideoTrack(ctx, next.Video())
		if err == nil {
			return nil
		}
		// never leave the removed share's stopped track on the sender
		s.logger.Error().Err(err).Str("share", next.ID).Msg("republish failed, stopping publish")
		if stopErr := s.pub.StopPrimaryVideo(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop publish: %w", stopErr))
		}
		return fmt.Errorf("republish %s: %w", next.ID, err)
	}
	if err := s.pub.StopPrimaryVideo(ctx); err != nil {
		return fmt.Errorf("stop publish: %w", err)
	}
	return nil
}

func (s *Service) MakePrimary(ctx context.Context, id string) error {
	release, err := s.enqueue(ctx)
	if err != nil {
		return err
	}
	defer release()

	sh, ok := s.store.Get(id)
	if !ok {
		return domain.ErrShareNotFound
	}
	if sh.IsPrimary {
		return nil
	}
	if err := s.pub.ReplacePrimaryVideoTrack(ctx, sh.Video()); err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	if err := s.store.SetPrimary(id); err != nil {
		return err
	}
	s.logger.Info().Str("share", id).Msg("primary changed")
	return nil
}

// SetResolution re-acquires the share's capture at res. The old tracks are
// stopped first. If the new capture fails the share is removed.
func (s *Service) SetResolution(ctx context.Context, id string, res domain.Resolution) (Share, error) {
	if res.IsZero() {
		res = domain.DefaultResolution
	}
	release, err := s.enqueue(ctx)
	if err != nil {
		return Share{}, err
	}
	defer release()

	sh, ok := s.store.Get(id)
	if !ok {
		return Share{}, domain.ErrShareNotFound
	}
	gen := s.gen.Load()
	s.unwatch(id)
	sh.Stream.Stop()

	stream, err := s.acquire(ctx, sh.Kind, sh.Label, res, sh.SystemAudio)
	if err == nil && stream.Video() == nil {
		stream.Stop()
		err = domain.ErrNoVideoTrack
	}
	if err == nil && s.gen.Load() != gen {
		stream.Stop()
		err = domain.ErrStale
	}
	if err != nil {
		if rmErr := s.removeLocked(context.WithoutCancel(ctx), id, nil); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return Share{}, fmt.Errorf("reacquire %s: %w", id, err)
	}

	if sh.IsPrimary {
		if err := s.pub.ReplacePrimaryVideoTrack(ctx, stream.Video()); err != nil {
			stream.Stop()
			rmErr := s.removeLocked(context.WithoutCancel(ctx), id, nil)
			return Share{}, fmt.Errorf("republish %s: %w", id, errors.Join(err, rmErr))
		}
	}
	err = s.store.UpdateShare(id, func(x *Share) {
		x.Stream = stream
		x.Resolution = res
		x.IsPaused = false
		x.AudioTrackID = ""
		if a := stream.Audio(); a != nil {
			x.AudioTrackID = a.ID()
		}
	})
	if err != nil {
		stream.Stop()
		return Share{}, err
	}
	s.watch(id, stream)

	updated, _ := s.store.Get(id)
	s.logger.Info().Str("share", id).Int("width", res.Width).Int("height", res.Height).Int("fps", res.FrameRate).Msg("resolution changed")
	return updated, nil
}

// TogglePause flips frame delivery of the share's video track and returns
// the new paused state. Capture keeps running.
func (s *Service) TogglePause(ctx context.Context, id string) (bool, error) {
	release, err := s.enqueue(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	sh, ok := s.store.Get(id)
	if !ok {
		return false, domain.ErrShareNotFound
	}
	video := sh.Video()
	if video == nil {
		return false, domain.ErrNoVideoTrack
	}
	paused := !sh.IsPaused
	video.SetEnabled(!paused)
	if err := s.store.UpdateShare(id, func(x *Share) { x.IsPaused = paused }); err != nil {
		return false, err
	}
	s.logger.Debug().Str("share", id).Bool("paused", paused).Msg("pause toggled")
	return paused, nil
}

func (s *Service) ToggleMic(ctx context.Context, enabled bool) error {
	if err := s.pub.SetMicrophoneEnabled(ctx, enabled); err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	s.logger.Debug().Bool("enabled", enabled).Msg("microphone toggled")
	return nil
}

// StopAll stops every share and the published video. In-flight
// acquisitions are invalidated.
func (s *Service) StopAll(ctx context.Context) error {
	s.Invalidate()
	release, err := s.enqueue(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	for id, remove := range s.watchers {
		remove()
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	n := s.store.StopAllShares()
	if err := s.pub.StopPrimaryVideo(ctx); err != nil {
		return fmt.Errorf("stop publish: %w", err)
	}
	s.logger.Info().Int("stopped", n).Msg("all shares stopped")
	return nil
}

// watch routes a device-side end of any track of stream into the removal
// path.
func (s *Service) watch(id string, stream *media.Stream) {
	remove := stream.OnEnded(func() {
		go s.handleEnded(id, stream)
	})
	s.mu.Lock()
	if old, ok := s.watchers[id]; ok {
		old()
	}
	s.watchers[id] = remove
	s.mu.Unlock()
}

func (s *Service) unwatch(id string) {
	s.mu.Lock()
	if remove, ok := s.watchers[id]; ok {
		remove()
		delete(s.watchers, id)
	}
	s.mu.Unlock()
}

func (s *Service) handleEnded(id string, stream *media.Stream) {
	ctx := context.Background()
	release, err := s.enqueue(ctx)
	if err != nil {
		return
	}
	defer release()
	s.logger.Info().Str("share", id).Msg("track ended by device")
	if err := s.removeLocked(ctx, id, stream); err != nil && !errors.Is(err, domain.ErrShareNotFound) {
		s.logger.Error().Err(err).Str("share", id).Msg("remove after track end")
	}
}
