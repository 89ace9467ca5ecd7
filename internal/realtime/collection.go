// Package realtime applies server channel events onto local in-memory
// collections, one collection per room domain.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Entity is anything addressable by a stable id.
type Entity interface {
	EntityID() string
}

// Collection is an ordered, id-indexed list. It never holds two entries
// with the same id.
type Collection[T Entity] struct {
	name   string
	logger zerolog.Logger

	mu    sync.RWMutex
	items []T
	index map[string]int
	epoch uint64

	emitMu    sync.Mutex
	listeners map[uint64]func([]T)
	nextID    uint64
}

func NewCollection[T Entity](name string) *Collection[T] {
	return &Collection[T]{
		name:      name,
		logger:    log.With().Str("module", "realtime.collection").Str("collection", name).Logger(),
		index:     make(map[string]int),
		listeners: make(map[uint64]func([]T)),
	}
}

func (c *Collection[T]) Name() string { return c.name }

// Insert appends x unless its id is already present.
func (c *Collection[T]) Insert(x T) bool {
	c.mu.Lock()
	ok := c.insertLocked(x)
	c.mu.Unlock()
	if ok {
		c.emit()
	}
	return ok
}

// insertAt inserts only if the collection was not cleared since epoch.
func (c *Collection[T]) insertAt(epoch uint64, x T) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	ok := c.insertLocked(x)
	c.mu.Unlock()
	if ok {
		c.emit()
	}
	return ok
}

func (c *Collection[T]) insertLocked(x T) bool {
	id := x.EntityID()
	if id == "" {
		return false
	}
	if _, exists := c.index[id]; exists {
		return false
	}
	c.index[id] = len(c.items)
	c.items = append(c.items, x)
	return true
}

// Merge overlays the fields present in patch onto the entry with id.
// Unknown ids are ignored.
func (c *Collection[T]) Merge(id string, patch json.RawMessage) (bool, error) {
	return c.mergeThen(id, patch, nil)
}

// Update applies fn to a copy of the entry and stores the result.
func (c *Collection[T]) Update(id string, fn func(*T)) bool {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	x := c.items[i]
	fn(&x)
	c.items[i] = x
	c.mu.Unlock()
	c.emit()
	return true
}

func (c *Collection[T]) mergeThen(id string, patch json.RawMessage, fn func(*T)) (bool, error) {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	merged, err := overlay(c.items[i], patch)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	if fn != nil {
		fn(&merged)
	}
	// the payload must not move the entry to another id
	if merged.EntityID() != id {
		c.mu.Unlock()
		return false, fmt.Errorf("merge %s: id changed to %q", id, merged.EntityID())
	}
	c.items[i] = merged
	c.mu.Unlock()
	c.emit()
	return true, nil
}

func (c *Collection[T]) Remove(id string) bool {
	return c.RemoveMany([]string{id}) == 1
}

// RemoveMany drops every listed id that is present and reports how many
// were removed.
func (c *Collection[T]) RemoveMany(ids []string) int {
	c.mu.Lock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := c.index[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		c.mu.Unlock()
		return 0
	}
	kept := c.items[:0:0]
	for _, x := range c.items {
		if _, gone := drop[x.EntityID()]; !gone {
			kept = append(kept, x)
		}
	}
	c.items = kept
	c.reindexLocked()
	c.mu.Unlock()
	c.emit()
	return len(drop)
}

// Replace swaps the whole content, keeping the first occurrence of each id.
func (c *Collection[T]) Replace(xs []T) {
	c.mu.Lock()
	c.items = nil
	c.index = make(map[string]int, len(xs))
	for _, x := range xs {
		c.insertLocked(x)
	}
	n := len(c.items)
	c.mu.Unlock()
	c.logger.Debug().Int("count", n).Msg("replaced")
	c.emit()
}

// Clear empties the collection and invalidates pending asynchronous inserts.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	c.items = nil
	c.index = make(map[string]int)
	c.epoch++
	c.mu.Unlock()
	c.logger.Debug().Msg("cleared")
	c.emit()
}

func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

func (c *Collection[T]) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Snapshot returns a copy of the entries in insertion order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection[T]) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// OnChange registers fn to receive a snapshot after every mutation.
func (c *Collection[T]) OnChange(fn func([]T)) (remove func()) {
	c.emitMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.emitMu.Unlock()
	return func() {
		c.emitMu.Lock()
		delete(c.listeners, id)
		c.emitMu.Unlock()
	}
}

func (c *Collection[T]) reindexLocked() {
	c.index = make(map[string]int, len(c.items))
	for i, x := range c.items {
		c.index[x.EntityID()] = i
	}
}

func (c *Collection[T]) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if len(c.listeners) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range c.listeners {
		fn(snap)
	}
}

// overlay decodes patch over the JSON form of cur into a fresh value, so
// slices of cur are never written through.
func overlay[T any](cur T, patch json.RawMessage) (T, error) {
	var out T
	base, err := json.Marshal(cur)
	if err != nil {
		return out, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return out, err
	}
	delta := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return out, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range delta {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}
