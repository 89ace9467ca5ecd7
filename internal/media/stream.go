package media

import "github.com/google/uuid"

// Stream groups the tracks of one capture. Whoever acquired it owns it and
// is the only one allowed to Stop it.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return NewStreamWithID(uuid.NewString(), tracks...)
}

// NewStreamWithID keeps the stream id the tracks were created with.
func NewStreamWithID(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Video returns the first video track, or nil.
func (s *Stream) Video() *Track { return s.first(KindVideo) }

// Audio returns the first audio track, or nil.
func (s *Stream) Audio() *Track { return s.first(KindAudio) }

func (s *Stream) first(kind Kind) *Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// OnEnded fires fn when any track of the stream ends.
func (s *Stream) OnEnded(fn func()) (remove func()) {
	removers := make([]func(), 0, len(s.tracks))
	for _, t := range s.tracks {
		removers = append(removers, t.OnEnded(fn))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}
