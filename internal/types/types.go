package types

import (
	"time"
)

// KnowledgeType partitions the knowledge base into buckets. Similarity search
// and the dedup lock are both scoped to one type bucket.
type KnowledgeType string

const (
	TypeEntity    KnowledgeType = "Entity"
	TypeConcept   KnowledgeType = "Concept"
	TypeProcess   KnowledgeType = "Process"
	TypePrinciple KnowledgeType = "Principle"
)

// ValidKnowledgeType reports whether t is one of the known type buckets.
func ValidKnowledgeType(t KnowledgeType) bool {
	switch t {
	case TypeEntity, TypeConcept, TypeProcess, TypePrinciple:
		return true
	}
	return false
}

// NoteStatus tracks a note's maturity in front matter.
type NoteStatus string

const (
	// StatusStub marks a front-matter-only note written as an early,
	// crash-safe checkpoint before full content generation.
	StatusStub NoteStatus = "Stub"
	// StatusDraft marks a note with generated but unverified content.
	StatusDraft NoteStatus = "Draft"
	// StatusVerified marks a note that passed the verification pass.
	StatusVerified NoteStatus = "Verified"
)

// PipelineKind distinguishes the two orchestrator variants.
type PipelineKind string

const (
	PipelineCreate PipelineKind = "create"
	PipelineMerge  PipelineKind = "merge"
)

// PipelineStage is one node in a pipeline's state machine.
type PipelineStage string

const (
	StageIdle               PipelineStage = "idle"
	StageTagging            PipelineStage = "tagging"
	StageReviewDraft        PipelineStage = "review_draft"
	StageSaving             PipelineStage = "saving"
	StageWriting            PipelineStage = "writing"
	StageReviewChanges      PipelineStage = "review_changes"
	StageIndexing           PipelineStage = "indexing"
	StageCheckingDuplicates PipelineStage = "checking_duplicates"
	StageVerifying          PipelineStage = "verifying"
	StageCompleted          PipelineStage = "completed"
	StageFailed             PipelineStage = "failed"
)

// Terminal reports whether a stage ends the pipeline.
func (s PipelineStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StandardizedData is the result of the standardize/classify/enrich step:
// a canonical name, a type bucket, and supporting metadata for generation.
type StandardizedData struct {
	Title      string        `json:"title"`
	Type       KnowledgeType `json:"type"`
	Definition string        `json:"definition"`
	Tags       []string      `json:"tags,omitempty"`
	Aliases    []string      `json:"aliases,omitempty"`
	Parents    []string      `json:"parents,omitempty"`
}

// MergedData is the result of the LLM merge-content step.
type MergedData struct {
	MergedName        string `json:"merged_name"`
	UpdatedDefinition string `json:"updated_definition"`
	MergedBody        string `json:"merged_body"`
}

// VerificationData is the result of the optional verification step.
type VerificationData struct {
	Verified bool     `json:"verified"`
	Issues   []string `json:"issues,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// PipelineContext tracks one end-to-end Create or Merge invocation. It is
// owned exclusively by its orchestrator and mutated only by that
// orchestrator's event handlers. Persisted across restart only while
// Stage == review_changes (merge).
type PipelineContext struct {
	PipelineID string        `json:"pipeline_id"`
	Kind       PipelineKind  `json:"kind"`
	NodeID     string        `json:"node_id"`
	Type       KnowledgeType `json:"type"`
	Stage      PipelineStage `json:"stage"`

	UserInput        string            `json:"user_input,omitempty"`
	Standardized     *StandardizedData `json:"standardized,omitempty"`
	EnrichedData     map[string]string `json:"enriched_data,omitempty"`
	GeneratedContent string            `json:"generated_content,omitempty"`
	Embedding        []float64         `json:"embedding,omitempty"`
	FilePath         string            `json:"file_path,omitempty"`

	// Merge-specific fields
	KeptNodeID      string   `json:"kept_node_id,omitempty"`
	DeletedNodeID   string   `json:"deleted_node_id,omitempty"`
	PairID          string   `json:"pair_id,omitempty"`
	PreviousContent string   `json:"previous_content,omitempty"`
	NewContent      string   `json:"new_content,omitempty"`
	DiffPreview     string   `json:"diff_preview,omitempty"`
	DeletedContent  string   `json:"deleted_content,omitempty"`
	DeletedPath     string   `json:"deleted_path,omitempty"`
	SnapshotIDs     []string `json:"snapshot_ids,omitempty"`

	Err *CodedError `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is an immutable capture of a note's content taken before a
// destructive write. Never mutated; used only to restore.
type Snapshot struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	NodeID    string    `json:"node_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorEntry is one embedding in the type-partitioned vector index.
type VectorEntry struct {
	NodeID    string        `json:"node_id"`
	Type      KnowledgeType `json:"type"`
	Embedding []float64     `json:"embedding"`
	UpdatedAt time.Time     `json:"updated_at"`
}
