// Package events carries pipeline and task lifecycle events over a
// synchronous observer list. Delivery is fire-and-continue: a panicking or
// slow listener affects only call order to later listeners, never the
// emitter's own progress.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillforge/quill/internal/types"
)

// EventType identifies what happened.
type EventType string

const (
	// EventStageChanged indicates a pipeline advanced to a new stage
	EventStageChanged EventType = "stage_changed"
	// EventConfirmationRequired indicates a pipeline reached an approval checkpoint
	EventConfirmationRequired EventType = "confirmation_required"
	// EventPipelineCompleted indicates a pipeline reached the completed stage
	EventPipelineCompleted EventType = "pipeline_completed"
	// EventPipelineFailed indicates a pipeline reached the failed stage
	EventPipelineFailed EventType = "pipeline_failed"

	// EventTaskCompleted indicates a queued task finished successfully
	EventTaskCompleted EventType = "task-completed"
	// EventTaskFailed indicates a queued task exhausted its attempts
	EventTaskFailed EventType = "task-failed"

	// EventDuplicatesDetected indicates the dedup engine recorded new pairs
	EventDuplicatesDetected EventType = "duplicates_detected"
	// EventPairStatusChanged indicates a duplicate pair transitioned status
	EventPairStatusChanged EventType = "pair_status_changed"
)

// Event is one published occurrence. Fields beyond Type are populated per
// event kind; Data carries kind-specific extras.
type Event struct {
	ID         string
	Type       EventType
	PipelineID string
	TaskID     string
	NodeID     string
	Stage      types.PipelineStage
	Err        *types.CodedError
	Timestamp  time.Time
	Data       map[string]interface{}
}

// NewStageChangedEvent builds a stage_changed event.
func NewStageChangedEvent(pipelineID string, from, to types.PipelineStage) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       EventStageChanged,
		PipelineID: pipelineID,
		Stage:      to,
		Timestamp:  time.Now(),
		Data:       map[string]interface{}{"from": string(from)},
	}
}

// NewConfirmationRequiredEvent builds a confirmation_required event.
func NewConfirmationRequiredEvent(pipelineID string, stage types.PipelineStage) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       EventConfirmationRequired,
		PipelineID: pipelineID,
		Stage:      stage,
		Timestamp:  time.Now(),
	}
}

// NewPipelineCompletedEvent builds a pipeline_completed event.
func NewPipelineCompletedEvent(pipelineID, nodeID string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       EventPipelineCompleted,
		PipelineID: pipelineID,
		NodeID:     nodeID,
		Stage:      types.StageCompleted,
		Timestamp:  time.Now(),
	}
}

// NewPipelineFailedEvent builds a pipeline_failed event carrying the coded error.
func NewPipelineFailedEvent(pipelineID, nodeID string, cerr *types.CodedError) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       EventPipelineFailed,
		PipelineID: pipelineID,
		NodeID:     nodeID,
		Stage:      types.StageFailed,
		Err:        cerr,
		Timestamp:  time.Now(),
	}
}

// NewTaskCompletedEvent builds a task-completed event.
func NewTaskCompletedEvent(taskID, nodeID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventTaskCompleted,
		TaskID:    taskID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	}
}

// NewTaskFailedEvent builds a task-failed event carrying the ordered
// per-attempt error history.
func NewTaskFailedEvent(taskID, nodeID string, attempts []types.AttemptError) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventTaskFailed,
		TaskID:    taskID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"attempts": attempts},
	}
}

// NewDuplicatesDetectedEvent builds a duplicates_detected event.
func NewDuplicatesDetectedEvent(nodeID string, pairIDs []string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventDuplicatesDetected,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"pair_ids": pairIDs},
	}
}

// NewPairStatusChangedEvent builds a pair_status_changed event.
func NewPairStatusChangedEvent(pairID string, status types.PairStatus) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventPairStatusChanged,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"pair_id": pairID,
			"status":  string(status),
		},
	}
}

// Listener receives published events. Listeners must tolerate being called
// from emitter goroutines.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Bus is a synchronous observer list, ordered by registration.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Listeners are called in registration order on every publish.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every listener in registration order. A
// listener panic is recovered and logged so it never blocks delivery to the
// remaining listeners or faults the emitter.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.subs))
	for _, sub := range b.subs {
		listeners = append(listeners, sub.fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: listener panicked on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}
