package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateStopped
	TrackStateEnded
)

var ErrTrackClosed = errors.New("track is no longer live")

// Track is a local capture track. The pion TrackLocalStaticRTP is what an
// RTC publisher attaches to a peer connection.
type Track struct {
	id    string
	kind  Kind
	label string
	local *webrtc.TrackLocalStaticRTP

	state   atomic.Int32 // Zero by default (TrackStateLive)
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded map[uint64]func()
	nextID  uint64
}

func NewTrack(kind Kind, label, streamID, mimeType string) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		id:      id,
		kind:    kind,
		label:   label,
		local:   local,
		onEnded: make(map[uint64]func()),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                         { return t.id }
func (t *Track) Kind() Kind                         { return t.kind }
func (t *Track) Label() string                      { return t.label }
func (t *Track) Local() *webrtc.TrackLocalStaticRTP { return t.local }
func (t *Track) State() TrackState                  { return TrackState(t.state.Load()) }
func (t *Track) Live() bool                         { return t.State() == TrackStateLive }
func (t *Track) Enabled() bool                      { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)            { t.enabled.Store(enabled) }

// Stop releases the capture. It does not fire ended listeners.
func (t *Track) Stop() {
	t.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateStopped))
}

// End marks the track as ended by the device or the user (permission
// revoked, device unplugged) and fires ended listeners once.
func (t *Track) End() {
	if !t.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateEnded)) {
		return
	}
	t.mu.Lock()
	fns := make([]func(), 0, len(t.onEnded))
	for _, fn := range t.onEnded {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnEnded registers fn for End. The returned func removes it.
func (t *Track) OnEnded(fn func()) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.onEnded[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.onEnded, id)
		t.mu.Unlock()
	}
}

// WriteRTP forwards a packet to the local track. Disabled tracks drop
// packets silently.
func (t *Track) WriteRTP(pkt *rtp.Packet) error {
	if !t.Live() {
		return ErrTrackClosed
	}
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteRTP(pkt)
}
