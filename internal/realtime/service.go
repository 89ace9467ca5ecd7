package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// TrackSource is the REST side of the tracks domain.
type TrackSource interface {
	GetTrack(ctx context.Context, room domain.RoomID, id string) (domain.MediaTrack, error)
	ListTracks(ctx context.Context, room domain.RoomID) ([]domain.MediaTrack, error)
}

type handlerSource interface {
	Handle(core.Envelope)
	Resync()
}

// Service keeps one reconciler per domain subscribed to the channels of
// the current room.
type Service struct {
	sub core.ChannelSubscriber

	chat   *Reconciler[domain.ChatMessage]
	alerts *Reconciler[domain.Alert]
	tracks *Reconciler[domain.MediaTrack]
	polls  *Reconciler[domain.Poll]

	mu     sync.Mutex
	room   domain.RoomID
	active map[string]func()
}

type Option func(*Service)

// WithTrackSource enables hydration of partial track payloads and resync
// after count-only cleanups.
func WithTrackSource(src TrackSource) Option {
	return func(s *Service) {
		s.tracks.
			WithHydrator(trackComplete, func(ctx context.Context, id string) (domain.MediaTrack, error) {
				return src.GetTrack(ctx, s.Room(), id)
			}).
			WithResync(func(ctx context.Context) ([]domain.MediaTrack, error) {
				return src.ListTracks(ctx, s.Room())
			})
	}
}

func NewService(sub core.ChannelSubscriber, opts ...Option) *Service {
	s := &Service{
		sub:    sub,
		chat:   NewReconciler(domain.DomainChat, NewCollection[domain.ChatMessage]("chat"), ChatVerbs()),
		alerts: NewReconciler(domain.DomainAlerts, NewCollection[domain.Alert]("alerts"), AlertVerbs()),
		tracks: NewReconciler(domain.DomainTracks, NewCollection[domain.MediaTrack]("tracks"), TrackVerbs()),
		polls:  NewReconciler(domain.DomainPolls, NewCollection[domain.Poll]("polls"), PollVerbs()),
		active: make(map[string]func()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Chat() *Collection[domain.ChatMessage]  { return s.chat.Collection() }
func (s *Service) Alerts() *Collection[domain.Alert]      { return s.alerts.Collection() }
func (s *Service) Tracks() *Collection[domain.MediaTrack] { return s.tracks.Collection() }
func (s *Service) Polls() *Collection[domain.Poll]        { return s.polls.Collection() }

func (s *Service) reconciler(d domain.Domain) handlerSource {
	switch d {
	case domain.DomainChat:
		return s.chat
	case domain.DomainAlerts:
		return s.alerts
	case domain.DomainTracks:
		return s.tracks
	case domain.DomainPolls:
		return s.polls
	default:
		return nil
	}
}

// SubscribeToRoom subscribes every domain channel of room. Existing
// subscriptions are torn down first; switching rooms also clears the
// collections.
func (s *Service) SubscribeToRoom(room domain.RoomID) error {
	if room == "" {
		return domain.ErrUnknownRoom
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchRoomLocked(room)
	for _, d := range domain.Domains {
		s.subscribeLocked(room, d)
	}
	log.Info().Str("module", "realtime.service").Str("room", string(room)).Int("channels", len(s.active)).Msg("subscribed to room")
	return nil
}

// SubscribeDomain subscribes a single domain channel, replacing any
// existing subscription for the same room and domain.
func (s *Service) SubscribeDomain(room domain.RoomID, d domain.Domain) error {
	if room == "" {
		return domain.ErrUnknownRoom
	}
	if s.reconciler(d) == nil {
		return domain.ErrUnknownDomain
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room != room {
		s.switchRoomLocked(room)
	}
	s.subscribeLocked(room, d)
	return nil
}

// UnsubscribeFromRoom drops every active channel and clears the
// collections.
func (s *Service) UnsubscribeFromRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.room
	s.teardownLocked()
	s.room = ""
	s.clearCollections()
	log.Info().Str("module", "realtime.service").Str("room", string(left)).Msg("left room")
}

func (s *Service) switchRoomLocked(room domain.RoomID) {
	s.teardownLocked()
	if s.room != room {
		s.clearCollections()
	}
	s.room = room
}

func (s *Service) subscribeLocked(room domain.RoomID, d domain.Domain) {
	ch := domain.ChannelName(room, d)
	if unsub, ok := s.active[ch]; ok {
		unsub()
		delete(s.active, ch)
	}
	s.active[ch] = s.sub.Subscribe(ch, s.reconciler(d).Handle)
	log.Debug().Str("module", "realtime.service").Str("channel", ch).Msg("channel subscribed")
}

func (s *Service) teardownLocked() {
	for ch, unsub := range s.active {
		unsub()
		delete(s.active, ch)
	}
}

func (s *Service) clearCollections() {
	s.chat.Collection().Clear()
	s.alerts.Collection().Clear()
	s.tracks.Collection().Clear()
	s.polls.Collection().Clear()
}

// Resync asks the domain's resync source, if any, for a fresh copy.
func (s *Service) Resync(d domain.Domain) error {
	r := s.reconciler(d)
	if r == nil {
		return domain.ErrUnknownDomain
	}
	r.Resync()
	return nil
}

func (s *Service) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// ActiveChannels returns the subscribed channel names, sorted.
func (s *Service) ActiveChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for ch := range s.active {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Service) IsActive(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[channel]
	return ok
}

func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RegisteredTrackIDs maps local media track ids to the ids of their server
// registrations in the tracks collection.
func (s *Service) RegisteredTrackIDs(localTrackIDs []string) []string {
	if len(localTrackIDs) == 0 {
		return nil
	}
	local := make(map[string]struct{}, len(localTrackIDs))
	for _, id := range localTrackIDs {
		local[id] = struct{}{}
	}
	var out []string
	for _, t := range s.Tracks().Snapshot() {
		if _, ok := local[t.TrackID]; ok {
			out = append(out, t.ID)
		}
	}
	return out
}
