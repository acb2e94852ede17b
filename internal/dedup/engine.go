// Package dedup detects semantic duplicates between same-type notes and
// tracks each candidate pair through its review lifecycle.
//
// Detection is best-effort: it runs after a note's embedding is refreshed
// and must never stall the write path that triggered it. Pair state is
// persisted so detected duplicates survive restarts, and a dismissed pair
// is remembered forever so it cannot resurface on a later scan.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vectorindex"
)

// PairStore persists duplicate pairs and the dismissed registry.
// *state.Store satisfies it.
type PairStore interface {
	SavePair(ctx context.Context, pair *types.DuplicatePair) error
	GetPair(ctx context.Context, pairID string) (*types.DuplicatePair, error)
	ListPairs(ctx context.Context, status types.PairStatus) ([]*types.DuplicatePair, error)
	ListPairsByNode(ctx context.Context, nodeID string) ([]*types.DuplicatePair, error)
	DeletePair(ctx context.Context, pairID string) error
	AddDismissed(ctx context.Context, pairID string) error
	IsDismissed(ctx context.Context, pairID string) (bool, error)
}

// Engine runs similarity scans against the vector index and owns all pair
// status transitions.
type Engine struct {
	cfg   Config
	index *vectorindex.Index
	store PairStore
	locks *locks.Coordinator
	bus   *events.Bus
}

// NewEngine creates a detection engine. bus may be nil for callers that do
// not need pair events.
func NewEngine(cfg Config, index *vectorindex.Index, store PairStore, coord *locks.Coordinator, bus *events.Bus) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dedup config: %w", err)
	}
	return &Engine{
		cfg:   cfg,
		index: index,
		store: store,
		locks: coord,
		bus:   bus,
	}, nil
}

// Detect scans the type partition of the index for entries similar to the
// given embedding and records any new candidates as pending pairs.
//
// The scan runs under the per-type lock. If another scan for the same type
// holds it, Detect returns empty rather than blocking the caller.
// Already-known pairs and dismissed pairs are never re-recorded.
func (e *Engine) Detect(ctx context.Context, nodeID string, t types.KnowledgeType, embedding []float64) ([]*types.DuplicatePair, error) {
	key := locks.TypeKey(t)
	if !e.locks.TryAcquire(key) {
		return nil, nil
	}
	defer e.locks.Release(key)

	matches := e.index.SearchAboveThreshold(t, embedding, e.cfg.SimilarityThreshold)
	if len(matches) > e.cfg.TopK {
		matches = matches[:e.cfg.TopK]
	}

	var created []*types.DuplicatePair
	now := time.Now()
	for _, m := range matches {
		if m.NodeID == nodeID {
			continue
		}
		if len(created) >= e.cfg.MaxPairsPerScan {
			break
		}

		pairID := types.PairID(nodeID, m.NodeID)
		dismissed, err := e.store.IsDismissed(ctx, pairID)
		if err != nil {
			return created, err
		}
		if dismissed {
			continue
		}
		if _, err := e.store.GetPair(ctx, pairID); err == nil {
			// Pair already tracked, whatever its status.
			continue
		} else if types.CodeOf(err) != types.ErrCodeEntityNotFound {
			return created, err
		}

		a, b := types.SortedPair(nodeID, m.NodeID)
		pair := &types.DuplicatePair{
			ID:         pairID,
			NodeIDA:    a,
			NodeIDB:    b,
			Type:       t,
			Similarity: m.Similarity,
			Status:     types.PairPending,
			DetectedAt: now,
			UpdatedAt:  now,
		}
		if err := e.store.SavePair(ctx, pair); err != nil {
			return created, err
		}
		created = append(created, pair)
	}

	if len(created) > 0 && e.bus != nil {
		ids := make([]string, len(created))
		for i, p := range created {
			ids[i] = p.ID
		}
		e.bus.Publish(events.NewDuplicatesDetectedEvent(nodeID, ids))
	}
	return created, nil
}

// GetPair returns the tracked pair with the given id.
func (e *Engine) GetPair(ctx context.Context, pairID string) (*types.DuplicatePair, error) {
	return e.store.GetPair(ctx, pairID)
}

// ListPairs returns pairs with the given status, or all pairs when status
// is empty.
func (e *Engine) ListPairs(ctx context.Context, status types.PairStatus) ([]*types.DuplicatePair, error) {
	return e.store.ListPairs(ctx, status)
}

// MarkAsNonDuplicate dismisses a pending pair. The pair id is added to the
// permanent dismissed registry so detection never recreates it.
func (e *Engine) MarkAsNonDuplicate(ctx context.Context, pairID string) error {
	pair, err := e.transition(ctx, pairID, types.PairPending, types.PairDismissed)
	if err != nil {
		return err
	}
	if err := e.store.AddDismissed(ctx, pair.ID); err != nil {
		return err
	}
	e.publishStatus(pair)
	return nil
}

// StartMerge reserves a pending pair for a merge pipeline. A reserved pair
// cannot be dismissed or re-reserved until the merge completes or aborts.
func (e *Engine) StartMerge(ctx context.Context, pairID string) error {
	pair, err := e.transition(ctx, pairID, types.PairPending, types.PairMerging)
	if err != nil {
		return err
	}
	e.publishStatus(pair)
	return nil
}

// CompleteMerge marks a reserved pair as merged.
func (e *Engine) CompleteMerge(ctx context.Context, pairID string) error {
	pair, err := e.transition(ctx, pairID, types.PairMerging, types.PairMerged)
	if err != nil {
		return err
	}
	e.publishStatus(pair)
	return nil
}

// AbortMerge returns a reserved pair to pending after a failed or cancelled
// merge, so the user can retry or dismiss it.
func (e *Engine) AbortMerge(ctx context.Context, pairID string) error {
	pair, err := e.transition(ctx, pairID, types.PairMerging, types.PairPending)
	if err != nil {
		return err
	}
	e.publishStatus(pair)
	return nil
}

// RemovePairsByNodeID deletes the pending and dismissed pairs involving the
// node. Used when a node is deleted from the vault. Pairs reserved by an
// active merge are left alone, and merged pairs survive as history.
func (e *Engine) RemovePairsByNodeID(ctx context.Context, nodeID string) (int, error) {
	pairs, err := e.store.ListPairsByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range pairs {
		if p.Status == types.PairMerging || p.Status == types.PairMerged {
			continue
		}
		if err := e.store.DeletePair(ctx, p.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearPendingPairsByNodeID deletes only the pending pairs involving the
// node. Used before re-detection when a node's content changed enough that
// old candidates may be stale.
func (e *Engine) ClearPendingPairsByNodeID(ctx context.Context, nodeID string) (int, error) {
	pairs, err := e.store.ListPairsByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range pairs {
		if p.Status != types.PairPending {
			continue
		}
		if err := e.store.DeletePair(ctx, p.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// transition moves a pair from one status to another, rejecting any other
// starting status with a state error.
func (e *Engine) transition(ctx context.Context, pairID string, from, to types.PairStatus) (*types.DuplicatePair, error) {
	pair, err := e.store.GetPair(ctx, pairID)
	if err != nil {
		return nil, err
	}
	if pair.Status != from {
		return nil, types.NewError(types.ErrCodeInvalidPipelineState,
			"pair %s is %s, expected %s", pairID, pair.Status, from)
	}
	pair.Status = to
	pair.UpdatedAt = time.Now()
	if err := e.store.SavePair(ctx, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

func (e *Engine) publishStatus(pair *types.DuplicatePair) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.NewPairStatusChangedEvent(pair.ID, pair.Status))
}
