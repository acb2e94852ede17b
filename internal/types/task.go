package types

import (
	"time"
)

// TaskType identifies the kind of work a queued task performs. Each type maps
// to one registered handler and one prompt template.
type TaskType string

const (
	// TaskStandardize turns raw user input into a canonical title, type
	// bucket, definition, and supporting metadata.
	TaskStandardize TaskType = "standardize"
	// TaskGenerate produces the full body content for a note.
	TaskGenerate TaskType = "generate"
	// TaskMergeContent merges two near-duplicate notes into one document.
	TaskMergeContent TaskType = "merge_content"
	// TaskVerify fact-checks a written note.
	TaskVerify TaskType = "verify"
)

// TaskState is the lifecycle state of a queued task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPayload is a tagged union over task kind. Each variant carries the
// pipeline it belongs to plus its own typed fields, so handlers never
// type-narrow an untyped bag at runtime.
type TaskPayload interface {
	// PipelineRef returns the owning pipeline's id.
	PipelineRef() string
	taskPayload()
}

// StandardizePayload carries the raw user input for a standardize task.
type StandardizePayload struct {
	PipelineID string
	UserInput  string
}

func (p StandardizePayload) PipelineRef() string { return p.PipelineID }
func (p StandardizePayload) taskPayload()        {}

// GeneratePayload carries the standardized metadata a generate task expands
// into full note content.
type GeneratePayload struct {
	PipelineID   string
	NodeID       string
	Standardized StandardizedData
}

func (p GeneratePayload) PipelineRef() string { return p.PipelineID }
func (p GeneratePayload) taskPayload()        {}

// MergeContentPayload carries both notes' content for an LLM merge task.
type MergeContentPayload struct {
	PipelineID     string
	KeptNodeID     string
	DeletedNodeID  string
	KeptContent    string
	DeletedContent string
	Type           KnowledgeType
}

func (p MergeContentPayload) PipelineRef() string { return p.PipelineID }
func (p MergeContentPayload) taskPayload()        {}

// VerifyPayload carries a written note's content for the verification task.
type VerifyPayload struct {
	PipelineID string
	NodeID     string
	Title      string
	Content    string
	Type       KnowledgeType
}

func (p VerifyPayload) PipelineRef() string { return p.PipelineID }
func (p VerifyPayload) taskPayload()        {}

// AttemptError records one failed execution attempt of a task.
type AttemptError struct {
	Attempt   int       `json:"attempt"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one queued unit of work. Created at enqueue time, owned by the
// task queue, and read-only to orchestrators via lookup by id.
type Task struct {
	ID          string
	NodeID      string
	Type        TaskType
	State       TaskState
	Attempts    int
	MaxAttempts int
	Payload     TaskPayload
	Result      interface{}
	Errors      []AttemptError
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Clone returns a shallow copy with its own error slice, safe to hand out
// across the queue boundary.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Errors = make([]AttemptError, len(t.Errors))
	copy(cp.Errors, t.Errors)
	return &cp
}
