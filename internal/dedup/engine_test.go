package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/state"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vectorindex"
)

type testEnv struct {
	engine *Engine
	index  *vectorindex.Index
	store  *state.Store
	locks  *locks.Coordinator
	bus    *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := vectorindex.New(context.Background(), st)
	require.NoError(t, err)

	coord := locks.NewCoordinator()
	bus := events.NewBus()
	eng, err := NewEngine(DefaultConfig(), idx, st, coord, bus)
	require.NoError(t, err)
	return &testEnv{engine: eng, index: idx, store: st, locks: coord, bus: bus}
}

func (env *testEnv) addEntry(t *testing.T, nodeID string, typ types.KnowledgeType, vec []float64) {
	t.Helper()
	err := env.index.Upsert(context.Background(), &types.VectorEntry{
		NodeID:    nodeID,
		Type:      typ,
		Embedding: vec,
	})
	require.NoError(t, err)
}

// seedPair records a pending pair between two indexed similar nodes and
// returns its id.
func (env *testEnv) seedPair(t *testing.T, a, b string) string {
	t.Helper()
	env.addEntry(t, a, types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, b, types.TypeConcept, []float64{0.99, 0.1, 0})
	pairs, err := env.engine.Detect(context.Background(), b, types.TypeConcept, []float64{0.99, 0.1, 0})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	return pairs[0].ID
}

func TestDetectCreatesPendingPair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var detected []events.Event
	env.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventDuplicatesDetected {
			detected = append(detected, ev)
		}
	})

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0.95, 0.2, 0})

	pairs, err := env.engine.Detect(ctx, "node-b", types.TypeConcept, []float64{0.95, 0.2, 0})
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	pair := pairs[0]
	assert.Equal(t, types.PairPending, pair.Status)
	assert.Equal(t, types.PairID("node-a", "node-b"), pair.ID)
	assert.True(t, pair.Involves("node-a"))
	assert.True(t, pair.Involves("node-b"))
	assert.GreaterOrEqual(t, pair.Similarity, 0.85)

	// The pair survives in the store.
	stored, err := env.engine.GetPair(ctx, pair.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, stored.Status)

	require.Len(t, detected, 1)
	assert.Equal(t, "node-b", detected[0].NodeID)
}

func TestDetectBelowThresholdRecordsNothing(t *testing.T) {
	env := newTestEnv(t)

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0, 1, 0})

	pairs, err := env.engine.Detect(context.Background(), "node-b", types.TypeConcept, []float64{0, 1, 0})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestDetectNeverPairsAcrossTypes(t *testing.T) {
	env := newTestEnv(t)

	env.addEntry(t, "node-a", types.TypeEntity, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{1, 0, 0})

	pairs, err := env.engine.Detect(context.Background(), "node-b", types.TypeConcept, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestDetectExcludesSelf(t *testing.T) {
	env := newTestEnv(t)

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})

	pairs, err := env.engine.Detect(context.Background(), "node-a", types.TypeConcept, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestDetectIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0.99, 0.05, 0})

	first, err := env.engine.Detect(ctx, "node-b", types.TypeConcept, []float64{0.99, 0.05, 0})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := env.engine.Detect(ctx, "node-b", types.TypeConcept, []float64{0.99, 0.05, 0})
	require.NoError(t, err)
	assert.Empty(t, second, "a tracked pair must not be re-recorded")

	all, err := env.engine.ListPairs(ctx, types.PairPending)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetectOrderIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0.99, 0.05, 0})

	fromB, err := env.engine.Detect(ctx, "node-b", types.TypeConcept, []float64{0.99, 0.05, 0})
	require.NoError(t, err)
	require.Len(t, fromB, 1)

	// Scanning from the other side of the pair finds the same id and
	// therefore records nothing new.
	fromA, err := env.engine.Detect(ctx, "node-a", types.TypeConcept, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, fromA)

	assert.Equal(t, types.PairID("node-a", "node-b"), fromB[0].ID)
	assert.Equal(t, types.PairID("node-b", "node-a"), fromB[0].ID)
}

func TestDetectReturnsEmptyOnTypeLockConflict(t *testing.T) {
	env := newTestEnv(t)

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{1, 0, 0})

	lease, err := env.locks.Acquire(locks.TypeKey(types.TypeConcept))
	require.NoError(t, err)
	defer lease.Release()

	pairs, err := env.engine.Detect(context.Background(), "node-b", types.TypeConcept, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, pairs)

	// Releasing the lock makes the same scan succeed.
	lease.Release()
	pairs, err = env.engine.Detect(context.Background(), "node-b", types.TypeConcept, []float64{1, 0, 0})
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestDismissedPairNeverResurfaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pairID := env.seedPair(t, "node-a", "node-b")

	require.NoError(t, env.engine.MarkAsNonDuplicate(ctx, pairID))

	pair, err := env.engine.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairDismissed, pair.Status)

	// Even after the pair row is purged, re-detection stays silent.
	_, err = env.engine.RemovePairsByNodeID(ctx, "node-a")
	require.NoError(t, err)

	pairs, err := env.engine.Detect(ctx, "node-b", types.TypeConcept, []float64{0.99, 0.1, 0})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestMergeLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pairID := env.seedPair(t, "node-a", "node-b")

	var statuses []string
	env.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventPairStatusChanged {
			statuses = append(statuses, ev.Data["status"].(string))
		}
	})

	require.NoError(t, env.engine.StartMerge(ctx, pairID))

	// A merging pair rejects dismissal and double reservation.
	err := env.engine.MarkAsNonDuplicate(ctx, pairID)
	assert.Equal(t, types.ErrCodeInvalidPipelineState, types.CodeOf(err))
	err = env.engine.StartMerge(ctx, pairID)
	assert.Equal(t, types.ErrCodeInvalidPipelineState, types.CodeOf(err))

	require.NoError(t, env.engine.CompleteMerge(ctx, pairID))
	pair, err := env.engine.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerged, pair.Status)

	// A merged pair is historical: no further transitions.
	err = env.engine.AbortMerge(ctx, pairID)
	assert.Equal(t, types.ErrCodeInvalidPipelineState, types.CodeOf(err))

	assert.Equal(t, []string{"merging", "merged"}, statuses)
}

func TestAbortMergeReturnsPairToPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pairID := env.seedPair(t, "node-a", "node-b")

	require.NoError(t, env.engine.StartMerge(ctx, pairID))
	require.NoError(t, env.engine.AbortMerge(ctx, pairID))

	pair, err := env.engine.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, pair.Status)

	// After an abort the pair can be reserved again or dismissed.
	require.NoError(t, env.engine.MarkAsNonDuplicate(ctx, pairID))
}

func TestTransitionUnknownPair(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.StartMerge(context.Background(), "pair-nope")
	assert.Equal(t, types.ErrCodeEntityNotFound, types.CodeOf(err))
}

func TestRemovePairsByNodeIDPreservesMergeStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0.99, 0.1, 0})
	env.addEntry(t, "node-d", types.TypeConcept, []float64{0.97, 0.2, 0})
	env.addEntry(t, "node-c", types.TypeConcept, []float64{0.98, 0.15, 0})

	pairs, err := env.engine.Detect(ctx, "node-c", types.TypeConcept, []float64{0.98, 0.15, 0})
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	mergingID := types.PairID("node-a", "node-c")
	require.NoError(t, env.engine.StartMerge(ctx, mergingID))

	mergedID := types.PairID("node-b", "node-c")
	require.NoError(t, env.engine.StartMerge(ctx, mergedID))
	require.NoError(t, env.engine.CompleteMerge(ctx, mergedID))

	// Only the pending pair goes; merging and merged survive.
	removed, err := env.engine.RemovePairsByNodeID(ctx, "node-c")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	pair, err := env.engine.GetPair(ctx, mergingID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerging, pair.Status)

	pair, err = env.engine.GetPair(ctx, mergedID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerged, pair.Status)

	_, err = env.engine.GetPair(ctx, types.PairID("node-c", "node-d"))
	assert.Equal(t, types.ErrCodeEntityNotFound, types.CodeOf(err))
}

func TestClearPendingPairsByNodeIDLeavesOtherStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEntry(t, "node-a", types.TypeConcept, []float64{1, 0, 0})
	env.addEntry(t, "node-b", types.TypeConcept, []float64{0.99, 0.1, 0})
	env.addEntry(t, "node-c", types.TypeConcept, []float64{0.98, 0.15, 0})

	pairs, err := env.engine.Detect(ctx, "node-c", types.TypeConcept, []float64{0.98, 0.15, 0})
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	require.NoError(t, env.engine.StartMerge(ctx, types.PairID("node-a", "node-c")))
	require.NoError(t, env.engine.CompleteMerge(ctx, types.PairID("node-a", "node-c")))

	removed, err := env.engine.ClearPendingPairsByNodeID(ctx, "node-c")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	merged, err := env.engine.GetPair(ctx, types.PairID("node-a", "node-c"))
	require.NoError(t, err)
	assert.Equal(t, types.PairMerged, merged.Status)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 1.5
	_, err := NewEngine(cfg, nil, nil, nil, nil)
	assert.Error(t, err)
}
