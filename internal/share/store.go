// Package share owns local screen and camera shares: their state, the
// orchestration of capture and publishing, and share approvals.
package share

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Share is one active capture. Stream is owned by the share: only the
// store's removal path stops its tracks.
type Share struct {
	ID           string            `json:"id"`
	Kind         domain.ShareKind  `json:"kind"`
	Label        string            `json:"label"`
	Stream       *media.Stream     `json:"-"`
	VideoTrackID string            `json:"video_track_id"`
	AudioTrackID string            `json:"audio_track_id,omitempty"`
	IsPrimary    bool              `json:"is_primary"`
	IsPaused     bool              `json:"is_paused"`
	Resolution   domain.Resolution `json:"resolution"`
	SystemAudio  bool              `json:"system_audio"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Video returns the share's video track, or nil.
func (s Share) Video() *media.Track {
	if s.Stream == nil {
		return nil
	}
	return s.Stream.Video()
}

// Snapshot is a copy of the store at one version. Shares are in creation
// order; only the stream handles are shared with the store.
type Snapshot struct {
	Shares         []Share                       `json:"shares"`
	PrimaryID      string                        `json:"primary_id,omitempty"`
	PrimaryTrackID string                        `json:"primary_track_id,omitempty"`
	Participants   map[string]domain.Participant `json:"participants"`
	Requests       []domain.ShareRequest         `json:"requests"`
	Version        uint64                        `json:"version"`
}

// Store is the single source of truth for shares, participants and share
// requests. Every mutation produces exactly one notification. Listeners run
// synchronously and must not mutate the store from inside the callback.
type Store struct {
	emitMu    sync.Mutex
	listeners map[uint64]func(Snapshot)
	nextID    uint64

	mu             sync.RWMutex
	shares         []Share
	primaryID      string
	primaryTrackID string
	participants   map[string]domain.Participant
	requests       []domain.ShareRequest
	version        uint64
}

func NewStore() *Store {
	return &Store{
		listeners:    make(map[uint64]func(Snapshot)),
		participants: make(map[string]domain.Participant),
	}
}

// Subscribe delivers the current snapshot immediately, then one snapshot
// per mutation.
func (st *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	st.emitMu.Lock()
	id := st.nextID
	st.nextID++
	st.listeners[id] = fn
	snap := st.Snapshot()
	fn(snap)
	st.emitMu.Unlock()

	return func() {
		st.emitMu.Lock()
		delete(st.listeners, id)
		st.emitMu.Unlock()
	}
}

// mutate runs fn under the write lock and, if it reports a change,
// notifies listeners with the resulting snapshot.
func (st *Store) mutate(fn func() bool) {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()

	st.mu.Lock()
	changed := fn()
	if changed {
		st.version++
	}
	var snap Snapshot
	if changed && len(st.listeners) > 0 {
		snap = st.snapshotLocked()
	}
	st.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range st.listeners {
		l(snap)
	}
}

func (st *Store) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Shares:         make([]Share, len(st.shares)),
		PrimaryID:      st.primaryID,
		PrimaryTrackID: st.primaryTrackID,
		Participants:   make(map[string]domain.Participant, len(st.participants)),
		Requests:       make([]domain.ShareRequest, len(st.requests)),
		Version:        st.version,
	}
	copy(snap.Shares, st.shares)
	copy(snap.Requests, st.requests)
	for k, v := range st.participants {
		snap.Participants[k] = v
	}
	return snap
}

func (st *Store) indexLocked(id string) int {
	for i := range st.shares {
		if st.shares[i].ID == id {
			return i
		}
	}
	return -1
}

// AddShare registers s, assigning an id and creation time when missing.
// Requesting primary demotes the current primary in the same mutation.
func (st *Store) AddShare(s Share) Share {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if v := s.Video(); v != nil && s.VideoTrackID == "" {
		s.VideoTrackID = v.ID()
	}
	if s.Stream != nil && s.AudioTrackID == "" {
		if a := s.Stream.Audio(); a != nil {
			s.AudioTrackID = a.ID()
		}
	}

	st.mutate(func() bool {
		if s.IsPrimary {
			st.clearPrimaryLocked()
			st.primaryID = s.ID
			st.primaryTrackID = s.VideoTrackID
		}
		st.shares = append(st.shares, s)
		return true
	})
	log.Info().Str("module", "share.store").Str("share", s.ID).Str("kind", string(s.Kind)).Bool("primary", s.IsPrimary).Msg("share added")
	return s
}

// RemoveShare stops the share's tracks and drops it. A removed primary
// passes to the earliest remaining share.
func (st *Store) RemoveShare(id string) (Share, bool) {
	var removed Share
	var found bool
	st.mutate(func() bool {
		i := st.indexLocked(id)
		if i < 0 {
			return false
		}
		removed, found = st.shares[i], true
		st.shares = append(st.shares[:i:i], st.shares[i+1:]...)
		if removed.Stream != nil {
			removed.Stream.Stop()
		}
		if st.primaryID == id {
			st.primaryID, st.primaryTrackID = "", ""
			if len(st.shares) > 0 {
				st.setPrimaryLocked(0)
			}
		}
		return true
	})
	if found {
		log.Info().Str("module", "share.store").Str("share", id).Str("primary", st.PrimaryID()).Msg("share removed")
	}
	return removed, found
}

// UpdateShare applies fn to a copy of the share. ID and primary status
// cannot be changed through it.
func (st *Store) UpdateShare(id string, fn func(*Share)) error {
	err := domain.ErrShareNotFound
	st.mutate(func() bool {
		i := st.indexLocked(id)
		if i < 0 {
			return false
		}
		s := st.shares[i]
		fn(&s)
		s.ID, s.IsPrimary = st.shares[i].ID, st.shares[i].IsPrimary
		if v := s.Video(); v != nil {
			s.VideoTrackID = v.ID()
		}
		st.shares[i] = s
		if s.IsPrimary {
			st.primaryTrackID = s.VideoTrackID
		}
		err = nil
		return true
	})
	return err
}

// SetPrimary makes id the only primary share. Already primary is a no-op.
func (st *Store) SetPrimary(id string) error {
	err := domain.ErrShareNotFound
	st.mutate(func() bool {
		i := st.indexLocked(id)
		if i < 0 {
			return false
		}
		err = nil
		if st.shares[i].IsPrimary {
			return false
		}
		st.clearPrimaryLocked()
		st.setPrimaryLocked(i)
		return true
	})
	if err == nil {
		log.Debug().Str("module", "share.store").Str("share", id).Msg("primary set")
	}
	return err
}

func (st *Store) clearPrimaryLocked() {
	for i := range st.shares {
		st.shares[i].IsPrimary = false
	}
	st.primaryID, st.primaryTrackID = "", ""
}

func (st *Store) setPrimaryLocked(i int) {
	st.shares[i].IsPrimary = true
	st.primaryID = st.shares[i].ID
	st.primaryTrackID = st.shares[i].VideoTrackID
}

// StopAllShares stops every share and empties the collection in a single
// mutation.
func (st *Store) StopAllShares() int {
	var n int
	st.mutate(func() bool {
		n = len(st.shares)
		if n == 0 && st.primaryID == "" {
			return false
		}
		for _, s := range st.shares {
			if s.Stream != nil {
				s.Stream.Stop()
			}
		}
		st.shares = nil
		st.primaryID, st.primaryTrackID = "", ""
		return true
	})
	if n > 0 {
		log.Info().Str("module", "share.store").Int("count", n).Msg("all shares stopped")
	}
	return n
}

func (st *Store) Get(id string) (Share, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if i := st.indexLocked(id); i >= 0 {
		return st.shares[i], true
	}
	return Share{}, false
}

func (st *Store) Primary() (Share, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.primaryID == "" {
		return Share{}, false
	}
	if i := st.indexLocked(st.primaryID); i >= 0 {
		return st.shares[i], true
	}
	return Share{}, false
}

func (st *Store) PrimaryID() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.primaryID
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.shares)
}

func (st *Store) Shares() []Share {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Share, len(st.shares))
	copy(out, st.shares)
	return out
}

// TrackIDs lists the local media track ids of every share.
func (st *Store) TrackIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []string
	for _, s := range st.shares {
		if s.VideoTrackID != "" {
			out = append(out, s.VideoTrackID)
		}
		if s.AudioTrackID != "" {
			out = append(out, s.AudioTrackID)
		}
	}
	return out
}

// LocalTracks describes the tracks of every share for backend
// registration. Display video registers as a screen track.
func (st *Store) LocalTracks() []domain.LocalTrack {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []domain.LocalTrack
	for _, s := range st.shares {
		meta, _ := json.Marshal(map[string]string{"share_id": s.ID, "kind": string(s.Kind), "label": s.Label})
		if s.VideoTrackID != "" {
			typ := domain.TrackVideo
			if s.Kind == domain.ShareDisplay {
				typ = domain.TrackScreen
			}
			out = append(out, domain.LocalTrack{ID: s.VideoTrackID, Type: typ, Metadata: meta})
		}
		if s.AudioTrackID != "" {
			out = append(out, domain.LocalTrack{ID: s.AudioTrackID, Type: domain.TrackAudio, Metadata: meta})
		}
	}
	return out
}

func (st *Store) UpsertParticipant(p domain.Participant) {
	st.mutate(func() bool {
		if cur, ok := st.participants[p.ID]; ok && cur == p {
			return false
		}
		st.participants[p.ID] = p
		return true
	})
}

func (st *Store) Participant(id string) (domain.Participant, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.participants[id]
	return p, ok
}

// Participants returns participants sorted by id.
func (st *Store) Participants() []domain.Participant {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]domain.Participant, 0, len(st.participants))
	for _, p := range st.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddRequest stores a new pending request.
func (st *Store) AddRequest(r domain.ShareRequest) domain.ShareRequest {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Status = domain.RequestPending
	st.mutate(func() bool {
		st.requests = append(st.requests, r)
		return true
	})
	return r
}

// ResolveRequest moves a pending request to status. It reports whether a
// transition happened; resolved requests are left as they are.
func (st *Store) ResolveRequest(id string, status domain.RequestStatus) (domain.ShareRequest, bool, error) {
	var out domain.ShareRequest
	var changed bool
	err := domain.ErrRequestNotFound
	st.mutate(func() bool {
		for i := range st.requests {
			if st.requests[i].ID != id {
				continue
			}
			err = nil
			if st.requests[i].Status == domain.RequestPending {
				st.requests[i].Status = status
				changed = true
			}
			out = st.requests[i]
			return changed
		}
		return false
	})
	return out, changed, err
}

func (st *Store) RemoveRequest(id string) bool {
	var removed bool
	st.mutate(func() bool {
		for i := range st.requests {
			if st.requests[i].ID == id {
				st.requests = append(st.requests[:i:i], st.requests[i+1:]...)
				removed = true
				return true
			}
		}
		return false
	})
	return removed
}

func (st *Store) Request(id string) (domain.ShareRequest, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, r := range st.requests {
		if r.ID == id {
			return r, true
		}
	}
	return domain.ShareRequest{}, false
}
