// Package dedupe remembers federation batch tags that were already ingested so
// that a redelivered batch is not processed twice.
package dedupe

import (
	"context"
	"sync"
)

const defaultMaxSize = 10_000

// Deduper records seen batch tags.
type Deduper interface {
	// SeenAndRecord atomically checks if tag was seen and records it if not.
	// It reports true when tag was already recorded.
	SeenAndRecord(ctx context.Context, tag string) bool

	// Unrecord forgets tag so that a failed ingestion can be retried.
	Unrecord(ctx context.Context, tag string)

	Size() int
}

// InMemoryDeduper keeps the most recent tags in a ring. When full, the oldest
// tag is forgotten first.
type InMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // tag -> slot in ring
	ring    []string
	next    int
	maxSize int
}

var _ Deduper = (*InMemoryDeduper)(nil)

// NewInMemoryDeduper creates a bounded deduper.
func NewInMemoryDeduper(opts ...Option) *InMemoryDeduper {
	d := &InMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int, d.maxSize)
	d.ring = make([]string, d.maxSize)
	return d
}

// SeenAndRecord implements Deduper. An empty tag is never recorded.
func (d *InMemoryDeduper) SeenAndRecord(_ context.Context, tag string) bool {
	if tag == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[tag]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = tag
	d.seen[tag] = d.next
	d.next = (d.next + 1) % d.maxSize
	return false
}

// Unrecord implements Deduper.
func (d *InMemoryDeduper) Unrecord(_ context.Context, tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.seen[tag]
	if !ok {
		return
	}
	delete(d.seen, tag)
	d.ring[slot] = ""
}

// Size returns the number of remembered tags.
func (d *InMemoryDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
