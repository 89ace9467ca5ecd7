package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Action int

const (
	// ActionInsert adds the payload entity if its id is absent.
	ActionInsert Action = iota
	// ActionMerge overlays the payload onto the entry, then runs Apply.
	ActionMerge
	// ActionApply runs Apply on the entry without reading the payload fields.
	ActionApply
	ActionRemove
	// ActionCleanup removes removed_ids, or a single id, or resyncs when
	// the payload only carries a count.
	ActionCleanup
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionMerge:
		return "merge"
	case ActionApply:
		return "apply"
	case ActionRemove:
		return "remove"
	case ActionCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Verb binds one server event name to a collection operation.
type Verb[T Entity] struct {
	Action Action
	// IDField names the payload key holding the entity id. Default "id".
	IDField string
	Apply   func(*T)
}

// Hydrator fetches the complete entity for an id.
type Hydrator[T Entity] func(ctx context.Context, id string) (T, error)

// Resyncer fetches the authoritative content of a collection.
type Resyncer[T Entity] func(ctx context.Context) ([]T, error)

const fetchTimeout = 10 * time.Second

var errEntityWithoutID = errors.New("entity without id")

// Reconciler applies the events of one domain channel to a Collection.
// Payloads are expected to carry complete entities. A Hydrator is only
// consulted for inserts whose decoded entity fails the completeness check.
type Reconciler[T Entity] struct {
	domain   domain.Domain
	coll     *Collection[T]
	verbs    map[string]Verb[T]
	complete func(T) bool
	hydrate  Hydrator[T]
	resync   Resyncer[T]
	logger   zerolog.Logger

	mu sync.Mutex
	// hydrating maps ids with a fetch in flight to whether a removal
	// arrived meanwhile.
	hydrating map[string]bool
}

func NewReconciler[T Entity](d domain.Domain, coll *Collection[T], verbs map[string]Verb[T]) *Reconciler[T] {
	return &Reconciler[T]{
		domain:    d,
		coll:      coll,
		verbs:     verbs,
		logger:    log.With().Str("module", "realtime.reconciler").Str("domain", string(d)).Logger(),
		hydrating: make(map[string]bool),
	}
}

// WithHydrator makes inserts of entities rejected by complete fetch the
// full entity by id first.
func (r *Reconciler[T]) WithHydrator(complete func(T) bool, h Hydrator[T]) *Reconciler[T] {
	r.complete = complete
	r.hydrate = h
	return r
}

// WithResync sets the source used when a cleanup reports only a count.
func (r *Reconciler[T]) WithResync(fn Resyncer[T]) *Reconciler[T] {
	r.resync = fn
	return r
}

func (r *Reconciler[T]) Domain() domain.Domain { return r.domain }

func (r *Reconciler[T]) Collection() *Collection[T] { return r.coll }

// Handle is the channel handler.
func (r *Reconciler[T]) Handle(env core.Envelope) {
	switch env.Type {
	case core.MsgEvent:
		if err := r.Apply(env.Event, env.Payload); err != nil {
			r.logger.Warn().Err(err).Str("event", env.Event).Str("event_id", env.EventID).Msg("event not applied")
		}
	case core.MsgPresence:
		r.logger.Debug().Str("user_id", env.UserID).Str("event", env.Event).Msg("presence")
	case core.MsgError:
		r.logger.Warn().Str("code", env.Code).Str("message", env.Message).Msg("channel error")
	}
}

// Apply runs the operation bound to event. Unknown ids are no-ops, not
// errors; only undecodable payloads fail.
func (r *Reconciler[T]) Apply(event string, payload json.RawMessage) error {
	verb, ok := r.verbs[event]
	if !ok {
		r.logger.Debug().Str("event", event).Msg("unhandled event")
		return nil
	}

	switch verb.Action {
	case ActionInsert:
		return r.insert(payload)
	case ActionMerge, ActionApply:
		id, err := payloadID(payload, verb.IDField)
		if err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
		var changed bool
		if verb.Action == ActionMerge {
			changed, err = r.coll.mergeThen(id, payload, verb.Apply)
			if err != nil {
				return fmt.Errorf("%s: %w", event, err)
			}
		} else if verb.Apply != nil {
			changed = r.coll.Update(id, verb.Apply)
		}
		if !changed {
			r.logger.Debug().Str("event", event).Str("id", id).Msg("update for unknown id ignored")
		}
		return nil
	case ActionRemove:
		id, err := payloadID(payload, verb.IDField)
		if err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
		r.tombstone(id)
		if !r.coll.Remove(id) {
			r.logger.Debug().Str("event", event).Str("id", id).Msg("delete for unknown id ignored")
		}
		return nil
	case ActionCleanup:
		return r.cleanup(event, payload)
	default:
		return fmt.Errorf("%s: unsupported action %s", event, verb.Action)
	}
}

func (r *Reconciler[T]) insert(payload json.RawMessage) error {
	var x T
	if err := json.Unmarshal(payload, &x); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	id := x.EntityID()
	if id == "" {
		return errEntityWithoutID
	}
	if r.hydrate == nil || r.complete == nil || r.complete(x) {
		if !r.coll.Insert(x) {
			r.logger.Debug().Str("id", id).Msg("duplicate insert ignored")
		}
		return nil
	}

	if r.coll.Has(id) {
		return nil
	}
	r.mu.Lock()
	if _, busy := r.hydrating[id]; busy {
		r.mu.Unlock()
		return nil
	}
	r.hydrating[id] = false
	r.mu.Unlock()

	epoch := r.coll.currentEpoch()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		full, err := r.hydrate(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("hydrate failed, inserting payload")
			full = x
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		removed := r.hydrating[id]
		delete(r.hydrating, id)
		// a newer event may have inserted or removed it while fetching
		if removed || r.coll.Has(id) {
			return
		}
		r.coll.insertAt(epoch, full)
	}()
	return nil
}

// tombstone marks in-flight hydrations of ids as removed. Callers mark
// before removing from the collection.
func (r *Reconciler[T]) tombstone(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.hydrating[id]; ok {
			r.hydrating[id] = true
		}
	}
}

type cleanupPayload struct {
	RemovedIDs   []string `json:"removed_ids"`
	ID           string   `json:"id"`
	RemovedCount *int64   `json:"removed_count"`
}

func (r *Reconciler[T]) cleanup(event string, payload json.RawMessage) error {
	var p cleanupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%s: decode cleanup: %w", event, err)
	}
	switch {
	case len(p.RemovedIDs) > 0:
		r.tombstone(p.RemovedIDs...)
		n := r.coll.RemoveMany(p.RemovedIDs)
		r.logger.Debug().Int("requested", len(p.RemovedIDs)).Int("removed", n).Msg("bulk cleanup")
	case p.ID != "":
		r.tombstone(p.ID)
		r.coll.Remove(p.ID)
	case p.RemovedCount != nil && *p.RemovedCount > 0:
		r.logger.Info().Int64("removed_count", *p.RemovedCount).Msg("cleanup without ids")
		r.Resync()
	}
	return nil
}

// Resync replaces the collection with the result of the resync source, if
// one is configured. It runs in the background.
func (r *Reconciler[T]) Resync() {
	if r.resync == nil {
		return
	}
	epoch := r.coll.currentEpoch()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		xs, err := r.resync(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("resync failed")
			return
		}
		if r.coll.currentEpoch() != epoch {
			return
		}
		r.coll.Replace(xs)
	}()
}

func payloadID(payload json.RawMessage, field string) (string, error) {
	if field == "" {
		field = "id"
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	raw, ok := m[field]
	if !ok {
		return "", fmt.Errorf("payload has no %q", field)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("decode %q: %w", field, err)
	}
	return id, nil
}
