// Package vectorindex maintains the type-partitioned embedding index used
// for semantic duplicate detection. The index lives in memory and writes
// through to the state store, reloading on startup.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quillforge/quill/internal/types"
)

// Store is the persistence seam, implemented by the SQLite state store.
type Store interface {
	SaveVectorEntry(ctx context.Context, entry *types.VectorEntry) error
	DeleteVectorEntry(ctx context.Context, nodeID string) error
	LoadVectorEntries(ctx context.Context) ([]*types.VectorEntry, error)
}

// Match is one similarity-search hit.
type Match struct {
	NodeID     string
	Similarity float64
}

// Index is the in-memory index. Safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	byType map[types.KnowledgeType]map[string]*types.VectorEntry
	byNode map[string]types.KnowledgeType
	store  Store
}

// New creates an index backed by store and loads all persisted entries.
func New(ctx context.Context, store Store) (*Index, error) {
	idx := &Index{
		byType: make(map[types.KnowledgeType]map[string]*types.VectorEntry),
		byNode: make(map[string]types.KnowledgeType),
		store:  store,
	}
	entries, err := store.LoadVectorEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		idx.put(entry)
	}
	return idx, nil
}

func (idx *Index) put(entry *types.VectorEntry) {
	bucket, ok := idx.byType[entry.Type]
	if !ok {
		bucket = make(map[string]*types.VectorEntry)
		idx.byType[entry.Type] = bucket
	}
	// A node that changed type moves buckets.
	if prev, ok := idx.byNode[entry.NodeID]; ok && prev != entry.Type {
		delete(idx.byType[prev], entry.NodeID)
	}
	bucket[entry.NodeID] = entry
	idx.byNode[entry.NodeID] = entry.Type
}

// Upsert inserts or replaces the entry and persists it.
func (idx *Index) Upsert(ctx context.Context, entry *types.VectorEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	if err := idx.store.SaveVectorEntry(ctx, entry); err != nil {
		return types.WrapError(types.ErrCodeInternal, err, "failed to persist vector entry %s", entry.NodeID)
	}
	idx.mu.Lock()
	idx.put(entry)
	idx.mu.Unlock()
	return nil
}

// Delete removes the node's entry. Unknown nodes are a no-op.
func (idx *Index) Delete(ctx context.Context, nodeID string) error {
	if err := idx.store.DeleteVectorEntry(ctx, nodeID); err != nil {
		return types.WrapError(types.ErrCodeInternal, err, "failed to delete vector entry %s", nodeID)
	}
	idx.mu.Lock()
	if t, ok := idx.byNode[nodeID]; ok {
		delete(idx.byType[t], nodeID)
		delete(idx.byNode, nodeID)
	}
	idx.mu.Unlock()
	return nil
}

// GetEntry returns the entry for a node, if indexed.
func (idx *Index) GetEntry(nodeID string) (*types.VectorEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.byNode[nodeID]
	if !ok {
		return nil, false
	}
	entry := idx.byType[t][nodeID]
	return entry, entry != nil
}

// Search returns the topK most similar same-type entries, best first.
func (idx *Index) Search(t types.KnowledgeType, embedding []float64, topK int) []Match {
	matches := idx.scan(t, embedding, -1.0)
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// SearchAboveThreshold returns every same-type entry with cosine similarity
// >= threshold, best first. Filtering happens here, not at the caller.
func (idx *Index) SearchAboveThreshold(t types.KnowledgeType, embedding []float64, threshold float64) []Match {
	return idx.scan(t, embedding, threshold)
}

// Len returns the number of indexed entries across all types.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byNode)
}

func (idx *Index) scan(t types.KnowledgeType, embedding []float64, threshold float64) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var matches []Match
	for nodeID, entry := range idx.byType[t] {
		sim, ok := Cosine(embedding, entry.Embedding)
		if !ok {
			continue
		}
		if sim >= threshold {
			matches = append(matches, Match{NodeID: nodeID, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].NodeID < matches[j].NodeID
	})
	return matches
}

// Cosine computes cosine similarity. ok is false for mismatched lengths or a
// zero-norm vector.
func Cosine(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
