package core

import (
	"context"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
)

// Publisher is the outbound RTC slot for the primary video track and the
// microphone. Implementations own exactly one published primary track.
type Publisher interface {
	PublishPrimaryVideoTrack(ctx context.Context, track *media.Track) error
	// ReplacePrimaryVideoTrack swaps the published track without a window
	// where remote peers see zero or two primary tracks.
	ReplacePrimaryVideoTrack(ctx context.Context, track *media.Track) error
	StopPrimaryVideo(ctx context.Context) error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
}

// Acquirer obtains capture streams from the OS/browser surface.
type Acquirer interface {
	AcquireDisplay(ctx context.Context, res domain.Resolution, withSystemAudio bool) (*media.Stream, error)
	AcquireVirtualCamera(ctx context.Context, labelHint string, res domain.Resolution) (*media.Stream, error)
}
