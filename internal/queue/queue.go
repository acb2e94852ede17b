// Package queue executes LLM-backed work items with bounded concurrency,
// per-node mutual exclusion, and retry of transient provider failures. At
// most one task per node id is pending or running at any instant.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/types"
)

// Handler executes one task type. The returned value becomes the task
// result; a returned error is classified by types.IsTransient to decide
// whether the attempt is retried.
type Handler func(ctx context.Context, task *types.Task) (interface{}, error)

// Config tunes the queue.
type Config struct {
	// Concurrency is the number of tasks that may overlap their I/O.
	// 1 fully serializes execution.
	Concurrency int
	// DefaultMaxAttempts applies when a TaskSpec does not set MaxAttempts.
	DefaultMaxAttempts int
	// InitialBackoff and MaxBackoff bound the retry delay schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// LockRetryDelay is how long a task waits to re-attempt execution when
	// its node lease is held by someone outside the queue.
	LockRetryDelay time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        1,
		DefaultMaxAttempts: 3,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		LockRetryDelay:     100 * time.Millisecond,
	}
}

// TaskSpec describes one unit of work to enqueue.
type TaskSpec struct {
	NodeID      string
	Type        types.TaskType
	Payload     types.TaskPayload
	MaxAttempts int // 0 means Config.DefaultMaxAttempts
}

// ConflictError signals that a task for the same node is already pending or
// running. It is an expected condition callers check with errors.As, not a
// generic failure.
type ConflictError struct {
	NodeID         string
	ExistingTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] node %s already has task %s in flight",
		types.ErrCodeLockConflict, e.NodeID, e.ExistingTaskID)
}

// Code returns the lock-conflict error code.
func (e *ConflictError) Code() types.ErrorCode { return types.ErrCodeLockConflict }

// Stats is a point-in-time queue gauge.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Queue is the task queue. Construct with New, register handlers, then Start.
type Queue struct {
	cfg   Config
	locks *locks.Coordinator
	bus   *events.Bus
	sem   *semaphore.Weighted

	mu        sync.Mutex
	handlers  map[types.TaskType]Handler
	tasks     map[string]*types.Task
	byNode    map[string]string // nodeID -> in-flight taskID
	ready     []string
	timers    map[string]*time.Timer
	backoffs  map[string]*backoff.ExponentialBackOff
	abandoned map[string]bool
	started   bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue over the given lock coordinator and event bus.
func New(cfg Config, coordinator *locks.Coordinator, bus *events.Bus) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 100 * time.Millisecond
	}
	return &Queue{
		cfg:       cfg,
		locks:     coordinator,
		bus:       bus,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		handlers:  make(map[types.TaskType]Handler),
		tasks:     make(map[string]*types.Task),
		byNode:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		abandoned: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to a task type. Must happen before Start.
func (q *Queue) RegisterHandler(t types.TaskType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Start launches the dispatcher. Tasks enqueued earlier begin executing.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(ctx)
	q.notify()
}

// Close stops the dispatcher and waits for in-flight tasks to return.
func (q *Queue) Close() {
	q.mu.Lock()
	cancel := q.cancel
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a task, or returns *ConflictError when the node already has
// one pending or running.
func (q *Queue) Enqueue(spec TaskSpec) (string, error) {
	if spec.NodeID == "" {
		return "", types.NewError(types.ErrCodeInvalidInput, "task spec has no node id")
	}
	if spec.Payload == nil {
		return "", types.NewError(types.ErrCodeInvalidInput, "task spec has no payload")
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	q.mu.Lock()
	if existing, ok := q.byNode[spec.NodeID]; ok {
		q.mu.Unlock()
		return "", &ConflictError{NodeID: spec.NodeID, ExistingTaskID: existing}
	}

	task := &types.Task{
		ID:          "task-" + uuid.New().String(),
		NodeID:      spec.NodeID,
		Type:        spec.Type,
		State:       types.TaskPending,
		MaxAttempts: maxAttempts,
		Payload:     spec.Payload,
		CreatedAt:   time.Now(),
	}
	q.tasks[task.ID] = task
	q.byNode[spec.NodeID] = task.ID
	q.ready = append(q.ready, task.ID)
	q.mu.Unlock()

	q.notify()
	return task.ID, nil
}

// GetTask returns a read-only copy of the task, or E311.
func (q *Queue) GetTask(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrCodeEntityNotFound, "task %s not found", taskID)
	}
	return task.Clone(), nil
}

// Cancel removes a pending task outright, or marks a running one abandoned:
// its eventual result is discarded and no task-completed fires.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return types.NewError(types.ErrCodeEntityNotFound, "task %s not found", taskID)
	}
	switch task.State {
	case types.TaskPending:
		q.removeReadyLocked(taskID)
		if timer, ok := q.timers[taskID]; ok {
			timer.Stop()
			delete(q.timers, taskID)
		}
		task.State = types.TaskCancelled
		task.FinishedAt = time.Now()
		q.clearInFlightLocked(task)
	case types.TaskRunning:
		q.abandoned[taskID] = true
	}
	return nil
}

// Subscribe registers a listener for task-completed and task-failed events.
func (q *Queue) Subscribe(fn events.Listener) func() {
	return q.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventTaskCompleted || ev.Type == events.EventTaskFailed {
			fn(ev)
		}
	})
}

// Stats returns a snapshot of task counts by state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, task := range q.tasks {
		switch task.State {
		case types.TaskPending:
			s.Pending++
		case types.TaskRunning:
			s.Running++
		case types.TaskCompleted:
			s.Completed++
		case types.TaskFailed:
			s.Failed++
		case types.TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			task := q.popReady()
			if task == nil {
				break
			}
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go q.run(ctx, task)
		}
	}
}

func (q *Queue) popReady() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		if task, ok := q.tasks[id]; ok && task.State == types.TaskPending {
			return task
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, task *types.Task) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	// The node lease is the sole mutual-exclusion primitive for note
	// content. Held elsewhere (a merge confirmation, for instance) means
	// try again shortly, not fail.
	lease, err := q.locks.Acquire(locks.NodeKey(task.NodeID))
	if err != nil {
		q.reschedule(task.ID, q.cfg.LockRetryDelay)
		return
	}

	q.mu.Lock()
	if task.State != types.TaskPending {
		q.mu.Unlock()
		lease.Release()
		return
	}
	task.State = types.TaskRunning
	task.Attempts++
	task.StartedAt = time.Now()
	handler := q.handlers[task.Type]
	q.mu.Unlock()

	var result interface{}
	var execErr error
	if handler == nil {
		execErr = types.NewError(types.ErrCodeInternal, "no handler registered for task type %q", task.Type)
	} else {
		result, execErr = q.invoke(ctx, handler, task)
	}

	// Release before publishing so listeners that advance the pipeline can
	// take the node lease themselves.
	q.finish(task, result, execErr, lease)
}

// invoke isolates handler panics so one buggy handler cannot take down the
// dispatcher.
func (q *Queue) invoke(ctx context.Context, handler Handler, task *types.Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, "handler for %q panicked: %v", task.Type, r)
		}
	}()
	return handler(ctx, task)
}

func (q *Queue) finish(task *types.Task, result interface{}, execErr error, lease *locks.Lease) {
	q.mu.Lock()

	if q.abandoned[task.ID] {
		delete(q.abandoned, task.ID)
		task.State = types.TaskCancelled
		task.FinishedAt = time.Now()
		q.clearInFlightLocked(task)
		q.mu.Unlock()
		lease.Release()
		q.notify()
		return
	}

	if execErr == nil {
		task.State = types.TaskCompleted
		task.Result = result
		task.FinishedAt = time.Now()
		q.clearInFlightLocked(task)
		q.mu.Unlock()
		lease.Release()
		q.bus.Publish(events.NewTaskCompletedEvent(task.ID, task.NodeID))
		q.notify()
		return
	}

	coded := types.AsCoded(execErr)
	task.Errors = append(task.Errors, types.AttemptError{
		Attempt:   task.Attempts,
		Code:      coded.Code,
		Message:   coded.Message,
		Timestamp: time.Now(),
	})

	if types.IsTransient(execErr) && task.Attempts < task.MaxAttempts {
		task.State = types.TaskPending
		delay := q.nextBackoffLocked(task.ID)
		q.mu.Unlock()
		lease.Release()
		log.Printf("queue: task %s attempt %d/%d failed (%s), retrying in %v",
			task.ID, task.Attempts, task.MaxAttempts, coded.Code, delay)
		q.reschedule(task.ID, delay)
		return
	}

	task.State = types.TaskFailed
	task.FinishedAt = time.Now()
	q.clearInFlightLocked(task)
	history := make([]types.AttemptError, len(task.Errors))
	copy(history, task.Errors)
	q.mu.Unlock()
	lease.Release()
	q.bus.Publish(events.NewTaskFailedEvent(task.ID, task.NodeID, history))
	q.notify()
}

// clearInFlightLocked removes the task's node reservation and retry state.
func (q *Queue) clearInFlightLocked(task *types.Task) {
	if q.byNode[task.NodeID] == task.ID {
		delete(q.byNode, task.NodeID)
	}
	delete(q.backoffs, task.ID)
	delete(q.abandoned, task.ID)
}

func (q *Queue) nextBackoffLocked(taskID string) time.Duration {
	bo, ok := q.backoffs[taskID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = q.cfg.InitialBackoff
		bo.MaxInterval = q.cfg.MaxBackoff
		bo.MaxElapsedTime = 0 // attempts are bounded, not wall time
		bo.Reset()
		q.backoffs[taskID] = bo
	}
	return bo.NextBackOff()
}

func (q *Queue) removeReadyLocked(taskID string) {
	for i, id := range q.ready {
		if id == taskID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

func (q *Queue) reschedule(taskID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[taskID]; !ok || task.State != types.TaskPending {
		return
	}
	if _, ok := q.timers[taskID]; ok {
		return
	}
	q.timers[taskID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, taskID)
		if task, ok := q.tasks[taskID]; ok && task.State == types.TaskPending {
			q.ready = append(q.ready, taskID)
		}
		q.mu.Unlock()
		q.notify()
	})
}
