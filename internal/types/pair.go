package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PairStatus is the lifecycle state of a duplicate pair.
type PairStatus string

const (
	// PairPending means the pair was detected and awaits a user decision.
	PairPending PairStatus = "pending"
	// PairMerging means a merge pipeline has reserved the pair.
	PairMerging PairStatus = "merging"
	// PairMerged means the merge completed and the pair is historical.
	PairMerged PairStatus = "merged"
	// PairDismissed means the user rejected the pair; it never resurfaces.
	PairDismissed PairStatus = "dismissed"
)

// DuplicatePair is a candidate semantic-duplicate relationship between two
// same-type nodes. The id is symmetric: PairID(a,b) == PairID(b,a).
type DuplicatePair struct {
	ID         string        `json:"id"`
	NodeIDA    string        `json:"node_id_a"`
	NodeIDB    string        `json:"node_id_b"`
	Type       KnowledgeType `json:"type"`
	Similarity float64       `json:"similarity"`
	Status     PairStatus    `json:"status"`
	DetectedAt time.Time     `json:"detected_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Involves reports whether the pair references the given node.
func (p *DuplicatePair) Involves(nodeID string) bool {
	return p.NodeIDA == nodeID || p.NodeIDB == nodeID
}

// PairID derives the deterministic, order-independent id for a pair of nodes.
func PairID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return "pair-" + hex.EncodeToString(sum[:8])
}

// SortedPair returns the two node ids in canonical (sorted) order.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
