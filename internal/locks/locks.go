// Package locks provides non-blocking, revocable leases keyed by arbitrary
// strings. A lease serializes mutation of one note (node namespace) or one
// dedup scan bucket (type namespace). Acquisition never blocks or queues: a
// held key fails immediately, and callers treat that as an expected outcome.
package locks

import (
	"errors"
	"sync"
	"time"

	"github.com/quillforge/quill/internal/types"
)

// ErrConflict is returned by Acquire when the key is already leased.
var ErrConflict = errors.New("lease already held")

// NodeKey returns the lease key for a note's node id.
func NodeKey(nodeID string) string {
	return "node:" + nodeID
}

// TypeKey returns the lease key for a knowledge-type dedup bucket.
func TypeKey(t types.KnowledgeType) string {
	return "type:" + string(t)
}

// Lease is a handle over one acquired key. Releasing twice is a no-op.
type Lease struct {
	Key        string
	AcquiredAt time.Time

	c        *Coordinator
	released bool
}

// Release returns the lease to the coordinator. Idempotent.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.c.Release(l.Key)
}

// Coordinator hands out at most one lease per key. Leases are non-reentrant.
type Coordinator struct {
	mu   sync.Mutex
	held map[string]*Lease
}

// NewCoordinator creates an empty lock coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{held: make(map[string]*Lease)}
}

// Acquire leases the key or fails immediately with ErrConflict.
func (c *Coordinator) Acquire(key string) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.held[key]; ok {
		return nil, ErrConflict
	}
	lease := &Lease{Key: key, AcquiredAt: time.Now(), c: c}
	c.held[key] = lease
	return lease, nil
}

// TryAcquire leases the key, reporting success as a boolean.
func (c *Coordinator) TryAcquire(key string) bool {
	_, err := c.Acquire(key)
	return err == nil
}

// Release frees the key. Releasing an unknown or already-released key is a
// no-op.
func (c *Coordinator) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lease, ok := c.held[key]; ok {
		lease.released = true
		delete(c.held, key)
	}
}

// Held reports whether the key is currently leased.
func (c *Coordinator) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[key]
	return ok
}

// Len returns the number of outstanding leases.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// HeldKeys returns a snapshot of all leased keys, for status reporting.
func (c *Coordinator) HeldKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.held))
	for k := range c.held {
		keys = append(keys, k)
	}
	return keys
}
