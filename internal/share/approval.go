package share

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Approvals gates share starts behind moderator consent. Requests live in
// the Store; listeners are notified synchronously.
type Approvals struct {
	store   *Store
	limiter *requestLimiter

	mu         sync.Mutex
	onRequest  map[uint64]func(domain.ShareRequest)
	onResolved map[uint64]func(domain.ShareRequest)
	nextID     uint64
}

func NewApprovals(store *Store) *Approvals {
	return &Approvals{
		store:      store,
		onRequest:  make(map[uint64]func(domain.ShareRequest)),
		onResolved: make(map[uint64]func(domain.ShareRequest)),
	}
}

// LimitRequests allows each participant at most limit requests per
// interval. Call before the Approvals are shared.
func (a *Approvals) LimitRequests(limit int, interval time.Duration) {
	if limit <= 0 || interval <= 0 {
		a.limiter = nil
		return
	}
	a.limiter = newRequestLimiter(limit, interval)
}

// RequestShare creates a pending request and returns its id.
func (a *Approvals) RequestShare(participantID string, kind domain.ShareKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%q: %w", kind, domain.ErrInvalidKind)
	}
	if a.limiter != nil {
		if !a.limiter.allow(participantID) {
			log.Warn().Str("module", "share.approvals").Str("participant", participantID).Msg("share request rate limited")
			return "", domain.ErrRateLimited
		}
		a.limiter.forget()
	}
	r := a.store.AddRequest(domain.ShareRequest{ParticipantID: participantID, Kind: kind})
	log.Info().Str("module", "share.approvals").Str("request", r.ID).Str("participant", participantID).Msg("share requested")
	a.notify(a.onRequest, r)
	return r.ID, nil
}

// Approve reports whether the request moved from pending to approved.
// Repeated calls are no-ops.
func (a *Approvals) Approve(id string) (bool, error) {
	return a.resolve(id, domain.RequestApproved)
}

func (a *Approvals) Deny(id string) (bool, error) {
	return a.resolve(id, domain.RequestDenied)
}

func (a *Approvals) resolve(id string, status domain.RequestStatus) (bool, error) {
	r, changed, err := a.store.ResolveRequest(id, status)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	log.Info().Str("module", "share.approvals").Str("request", id).Str("status", string(status)).Msg("request resolved")
	a.notify(a.onResolved, r)
	return true, nil
}

// Clear removes the request once the requester has seen the outcome.
func (a *Approvals) Clear(id string) bool {
	return a.store.RemoveRequest(id)
}

func (a *Approvals) Get(id string) (domain.ShareRequest, bool) {
	return a.store.Request(id)
}

func (a *Approvals) OnRequest(fn func(domain.ShareRequest)) (unsubscribe func()) {
	return a.register(a.onRequest, fn)
}

func (a *Approvals) OnResolved(fn func(domain.ShareRequest)) (unsubscribe func()) {
	return a.register(a.onResolved, fn)
}

func (a *Approvals) register(set map[uint64]func(domain.ShareRequest), fn func(domain.ShareRequest)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	set[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(set, id)
		a.mu.Unlock()
	}
}

func (a *Approvals) notify(set map[uint64]func(domain.ShareRequest), r domain.ShareRequest) {
	a.mu.Lock()
	fns := make([]func(domain.ShareRequest), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}
