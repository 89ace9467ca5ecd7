package share

import (
	"context"
	"sync"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/rs/zerolog/log"
)

// NoopPublisher delivers nothing remotely. It tracks what would be
// published so the share lifecycle runs without an RTC backend.
type NoopPublisher struct {
	mu      sync.Mutex
	current *media.Track
	mic     bool
}

var _ core.Publisher = (*NoopPublisher)(nil)

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) PublishPrimaryVideoTrack(_ context.Context, track *media.Track) error {
	p.set(track)
	log.Debug().Str("module", "share.noop").Str("track", track.ID()).Msg("publish")
	return nil
}

func (p *NoopPublisher) ReplacePrimaryVideoTrack(_ context.Context, track *media.Track) error {
	p.set(track)
	log.Debug().Str("module", "share.noop").Str("track", track.ID()).Msg("replace")
	return nil
}

func (p *NoopPublisher) StopPrimaryVideo(context.Context) error {
	p.set(nil)
	log.Debug().Str("module", "share.noop").Msg("stop")
	return nil
}

func (p *NoopPublisher) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	p.mu.Lock()
	p.mic = enabled
	p.mu.Unlock()
	return nil
}

// Current returns the track that would be published, or nil.
func (p *NoopPublisher) Current() *media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *NoopPublisher) MicrophoneEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mic
}

func (p *NoopPublisher) set(t *media.Track) {
	p.mu.Lock()
	p.current = t
	p.mu.Unlock()
}
