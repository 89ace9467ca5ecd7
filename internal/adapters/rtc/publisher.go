package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
)

var _ core.Publisher = (*PeerPublisher)(nil)

// PublishPrimaryVideoTrack adds the track to the connection. A second
// publish swaps the sender's track instead of adding another sender.
func (p *PeerPublisher) PublishPrimaryVideoTrack(ctx context.Context, track *media.Track) error {
	if track == nil || track.Kind() != media.KindVideo {
		return domain.ErrNoVideoTrack
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.video != nil {
		return p.replaceLocked(track)
	}
	sender, err := p.pc.AddTrack(track.Local())
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	p.video = sender
	p.videoTrack = track
	p.logger.Info().Str("track", track.ID()).Msg("primary video published")
	return nil
}

// ReplacePrimaryVideoTrack swaps the track on the existing sender so no
// renegotiation happens. With nothing published it publishes.
func (p *PeerPublisher) ReplacePrimaryVideoTrack(ctx context.Context, track *media.Track) error {
	if track == nil || track.Kind() != media.KindVideo {
		return domain.ErrNoVideoTrack
	}
	p.mu.Lock()
	if p.video == nil {
		p.mu.Unlock()
		return p.PublishPrimaryVideoTrack(ctx, track)
	}
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.replaceLocked(track)
}

func (p *PeerPublisher) replaceLocked(track *media.Track) error {
	if err := p.video.ReplaceTrack(track.Local()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	prev := ""
	if p.videoTrack != nil {
		prev = p.videoTrack.ID()
	}
	p.videoTrack = track
	p.logger.Info().Str("track", track.ID()).Str("previous", prev).Msg("primary video replaced")
	return nil
}

func (p *PeerPublisher) StopPrimaryVideo(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.video == nil {
		return nil
	}
	sender := p.video
	p.video = nil
	p.videoTrack = nil
	if p.closed {
		return nil
	}
	if err := p.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	p.logger.Info().Msg("primary video stopped")
	return nil
}

// SetMicrophoneEnabled adds the microphone track on first enable and
// afterwards only toggles it.
func (p *PeerPublisher) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.mic == nil {
		if !enabled {
			return nil
		}
		mic, err := media.NewTrack(media.KindAudio, "microphone", p.id, p.micMime)
		if err != nil {
			return err
		}
		sender, err := p.pc.AddTrack(mic.Local())
		if err != nil {
			return fmt.Errorf("add microphone: %w", err)
		}
		p.mic, p.micSender = mic, sender
	}
	p.mic.SetEnabled(enabled)
	p.logger.Info().Bool("enabled", enabled).Msg("microphone toggled")
	return nil
}

// PublishedTrack returns the track currently on the video sender.
func (p *PeerPublisher) PublishedTrack() *media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoTrack
}

func (p *PeerPublisher) MicrophoneEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mic != nil && p.mic.Enabled()
}
