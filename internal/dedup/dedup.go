// Package dedup suppresses repeated deliveries of the same server event.
package dedup

import "sync"

const DefaultCapacity = 1000

// Deduplicator remembers recently seen event ids in two generations. When
// the current generation exceeds the capacity it becomes the previous one
// and the older generation is dropped, so memory stays bounded by twice the
// capacity and every id seen since the last prune is still detected.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	current  map[string]struct{}
	previous map[string]struct{}
}

func New(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		capacity: capacity,
		current:  make(map[string]struct{}, capacity),
	}
}

// ShouldDeliver reports whether an event with this id must reach handlers.
// Events without an id are always delivered.
func (d *Deduplicator) ShouldDeliver(eventID string) bool {
	if eventID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.current[eventID]; ok {
		return false
	}
	if _, ok := d.previous[eventID]; ok {
		return false
	}
	d.current[eventID] = struct{}{}
	if len(d.current) > d.capacity {
		d.previous = d.current
		d.current = make(map[string]struct{}, d.capacity)
	}
	return true
}

// Len is the number of ids currently remembered.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.current) + len(d.previous)
}

func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = make(map[string]struct{}, d.capacity)
	d.previous = nil
}
