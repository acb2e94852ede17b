package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/quill/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPairRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pair := &types.DuplicatePair{
		ID:         types.PairID("n1", "n2"),
		NodeIDA:    "n1",
		NodeIDB:    "n2",
		Type:       types.TypeEntity,
		Similarity: 0.91,
		Status:     types.PairPending,
		DetectedAt: time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, s.SavePair(ctx, pair))

	got, err := s.GetPair(ctx, pair.ID)
	require.NoError(t, err)
	assert.Equal(t, pair.ID, got.ID)
	assert.Equal(t, types.PairPending, got.Status)
	assert.InDelta(t, 0.91, got.Similarity, 1e-9)

	_, err = s.GetPair(ctx, "pair-unknown")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeEntityNotFound, types.CodeOf(err))
}

func TestListPairsByStatusAndNode(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mk := func(a, b string, status types.PairStatus) {
		require.NoError(t, s.SavePair(ctx, &types.DuplicatePair{
			ID: types.PairID(a, b), NodeIDA: a, NodeIDB: b,
			Type: types.TypeEntity, Similarity: 0.9, Status: status,
			DetectedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	}
	mk("n1", "n2", types.PairPending)
	mk("n1", "n3", types.PairDismissed)
	mk("n4", "n5", types.PairPending)

	pending, err := s.ListPairs(ctx, types.PairPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := s.ListPairs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n1pairs, err := s.ListPairsByNode(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, n1pairs, 2)

	require.NoError(t, s.DeletePair(ctx, types.PairID("n1", "n3")))
	n1pairs, err = s.ListPairsByNode(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, n1pairs, 1)
}

func TestDismissedIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id := types.PairID("n1", "n2")
	dismissed, err := s.IsDismissed(ctx, id)
	require.NoError(t, err)
	assert.False(t, dismissed)

	require.NoError(t, s.AddDismissed(ctx, id))
	require.NoError(t, s.AddDismissed(ctx, id)) // idempotent

	dismissed, err = s.IsDismissed(ctx, id)
	require.NoError(t, err)
	assert.True(t, dismissed)
}

func TestVectorEntries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVectorEntry(ctx, &types.VectorEntry{
		NodeID: "n1", Type: types.TypeConcept,
		Embedding: []float64{0.1, 0.2, 0.3}, UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveVectorEntry(ctx, &types.VectorEntry{
		NodeID: "n2", Type: types.TypeEntity,
		Embedding: []float64{1, 0, 0}, UpdatedAt: time.Now(),
	}))

	entries, err := s.LoadVectorEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.DeleteVectorEntry(ctx, "n1"))
	entries, err = s.LoadVectorEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n2", entries[0].NodeID)
	assert.Equal(t, []float64{1, 0, 0}, entries[0].Embedding)
}

func TestPipelineStatePersistence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pc := &types.PipelineContext{
		PipelineID:      "p1",
		Kind:            types.PipelineMerge,
		NodeID:          "n1",
		Type:            types.TypeEntity,
		Stage:           types.StageReviewChanges,
		KeptNodeID:      "n1",
		DeletedNodeID:   "n2",
		PreviousContent: "old",
		NewContent:      "merged",
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, s.SavePipelineState(ctx, pc))

	states, err := s.LoadPipelineStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, types.StageReviewChanges, states[0].Stage)
	assert.Equal(t, "n2", states[0].DeletedNodeID)

	require.NoError(t, s.DeletePipelineState(ctx, "p1"))
	states, err = s.LoadPipelineStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}
