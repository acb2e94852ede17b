package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/quill/internal/types"
)

func TestAcquireConflict(t *testing.T) {
	c := NewCoordinator()

	lease, err := c.Acquire(NodeKey("n1"))
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = c.Acquire(NodeKey("n1"))
	assert.ErrorIs(t, err, ErrConflict)

	lease.Release()

	_, err = c.Acquire(NodeKey("n1"))
	assert.NoError(t, err)
}

func TestNamespacesNeverCollide(t *testing.T) {
	c := NewCoordinator()

	// A node that happens to share a name with a type bucket must not
	// collide with the type lease.
	require.True(t, c.TryAcquire(NodeKey("Entity")))
	require.True(t, c.TryAcquire(TypeKey(types.TypeEntity)))

	assert.False(t, c.TryAcquire(NodeKey("Entity")))
	assert.False(t, c.TryAcquire(TypeKey(types.TypeEntity)))
}

func TestReleaseIdempotent(t *testing.T) {
	c := NewCoordinator()

	lease, err := c.Acquire("node:n1")
	require.NoError(t, err)

	lease.Release()
	lease.Release() // no-op
	c.Release("node:n1")      // already released, no-op
	c.Release("node:unknown") // never acquired, no-op

	assert.Equal(t, 0, c.Len())
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	c := NewCoordinator()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire(NodeKey("contested")) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine should win the lease")
}

func TestHeldKeys(t *testing.T) {
	c := NewCoordinator()
	require.True(t, c.TryAcquire(NodeKey("n1")))
	require.True(t, c.TryAcquire(TypeKey(types.TypeConcept)))

	assert.True(t, c.Held(NodeKey("n1")))
	assert.False(t, c.Held(NodeKey("n2")))
	assert.ElementsMatch(t, []string{"node:n1", "type:Concept"}, c.HeldKeys())
}
