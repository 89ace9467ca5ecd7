package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/google/uuid"
)

// Synthetic is an in-process Devices backend. It hands out real pion local
// tracks that carry no frames until something writes RTP into them, which
// is enough to drive the share lifecycle without capture hardware.
type Synthetic struct {
	mu        sync.Mutex
	devices   []DeviceInfo
	videoMime string
	denied    bool
	pumpCtx   context.Context
	issued    map[string]*media.Stream
}

func NewSynthetic(cameraLabels []string, videoMime string) *Synthetic {
	devs := make([]DeviceInfo, 0, len(cameraLabels))
	for _, l := range cameraLabels {
		devs = append(devs, DeviceInfo{DeviceID: uuid.NewString(), Label: l, Kind: VideoInput})
	}
	return &Synthetic{
		devices:   devs,
		videoMime: videoMime,
		issued:    make(map[string]*media.Stream),
	}
}

// EnablePump makes every stream issued from now on carry placeholder RTP
// frames until its tracks stop or ctx is done.
func (s *Synthetic) EnablePump(ctx context.Context) {
	s.mu.Lock()
	s.pumpCtx = ctx
	s.mu.Unlock()
}

// SetDenied makes subsequent captures fail as if the user refused.
func (s *Synthetic) SetDenied(denied bool) {
	s.mu.Lock()
	s.denied = denied
	s.mu.Unlock()
}

// Revoke ends every track of an issued stream, as an unplugged device or a
// revoked permission would.
func (s *Synthetic) Revoke(streamID string) bool {
	s.mu.Lock()
	stream, ok := s.issued[streamID]
	delete(s.issued, streamID)
	s.pruneLocked()
	s.mu.Unlock()
	if !ok || !streamLive(stream) {
		return false
	}
	for _, t := range stream.Tracks() {
		t.End()
	}
	return true
}

func (s *Synthetic) GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*media.Stream, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()
	label := fmt.Sprintf("screen %dx%d@%d", c.Resolution.Width, c.Resolution.Height, c.Resolution.FrameRate)
	video, err := media.NewTrack(media.KindVideo, label, streamID, s.videoMime)
	if err != nil {
		return nil, err
	}
	tracks := []*media.Track{video}
	if c.SystemAudio {
		audio, err := media.NewTrack(media.KindAudio, "system audio", streamID, "audio/opus")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, audio)
	}
	return s.issue(media.NewStreamWithID(streamID, tracks...), c.Resolution.FrameRate), nil
}

func (s *Synthetic) GetUserMedia(ctx context.Context, c CameraConstraints) (*media.Stream, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var dev *DeviceInfo
	for i := range s.devices {
		if s.devices[i].DeviceID == c.DeviceID {
			dev = &s.devices[i]
			break
		}
	}
	s.mu.Unlock()
	if dev == nil {
		return nil, domain.ErrNoDevice
	}
	streamID := uuid.NewString()
	video, err := media.NewTrack(media.KindVideo, dev.Label, streamID, s.videoMime)
	if err != nil {
		return nil, err
	}
	return s.issue(media.NewStreamWithID(streamID, video), c.Resolution.FrameRate), nil
}

func (s *Synthetic) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceInfo, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *Synthetic) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return domain.ErrPermissionDenied
	}
	return nil
}

func (s *Synthetic) issue(stream *media.Stream, fps int) *media.Stream {
	s.mu.Lock()
	s.pruneLocked()
	s.issued[stream.ID()] = stream
	ctx := s.pumpCtx
	s.mu.Unlock()
	if ctx != nil {
		go func() {
			Pump(ctx, stream, fps)
			s.mu.Lock()
			delete(s.issued, stream.ID())
			s.mu.Unlock()
		}()
	}
	return stream
}

// pruneLocked forgets streams whose tracks have all stopped.
func (s *Synthetic) pruneLocked() {
	for id, stream := range s.issued {
		if !streamLive(stream) {
			delete(s.issued, id)
		}
	}
}

func streamLive(stream *media.Stream) bool {
	for _, t := range stream.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}
