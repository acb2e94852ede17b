// Package pipeline drives the create and merge workflows as explicit state
// machines over the task queue. Each pipeline context is owned by one
// orchestrator and advances only through validated stage transitions; every
// destructive write to an existing note is preceded by a snapshot.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillforge/quill/internal/ai"
	"github.com/quillforge/quill/internal/dedup"
	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/queue"
	"github.com/quillforge/quill/internal/settings"
	"github.com/quillforge/quill/internal/snapshot"
	"github.com/quillforge/quill/internal/state"
	"github.com/quillforge/quill/internal/templates"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vault"
	"github.com/quillforge/quill/internal/vectorindex"
)

// validTransitions is the stage machine per pipeline kind. Any transition
// not listed here is a state error, and failed is reachable from every
// non-terminal stage.
var validTransitions = map[types.PipelineKind]map[types.PipelineStage][]types.PipelineStage{
	types.PipelineCreate: {
		types.StageIdle:               {types.StageTagging},
		types.StageTagging:            {types.StageReviewDraft},
		types.StageReviewDraft:        {types.StageWriting},
		types.StageWriting:            {types.StageIndexing},
		types.StageIndexing:           {types.StageCheckingDuplicates},
		types.StageCheckingDuplicates: {types.StageVerifying, types.StageCompleted},
		types.StageVerifying:          {types.StageCompleted},
	},
	// Merge passes through writing twice: once while the model produces the
	// merged document, once applying the confirmed write.
	types.PipelineMerge: {
		types.StageIdle:               {types.StageSaving},
		types.StageSaving:             {types.StageWriting},
		types.StageWriting:            {types.StageReviewChanges, types.StageIndexing},
		types.StageReviewChanges:      {types.StageWriting},
		types.StageIndexing:           {types.StageCheckingDuplicates},
		types.StageCheckingDuplicates: {types.StageVerifying, types.StageCompleted},
		types.StageVerifying:          {types.StageCompleted},
	},
}

// Deps wires the orchestrator to the rest of the core.
type Deps struct {
	Settings  *settings.Store
	Client    ai.Client
	Prompts   *templates.Renderer
	Queue     *queue.Queue
	Locks     *locks.Coordinator
	Bus       *events.Bus
	Vault     *vault.Repository
	Snapshots *snapshot.Manager
	Index     *vectorindex.Index
	Dedup     *dedup.Engine
	State     *state.Store
}

// Orchestrator runs create and merge pipelines. One instance serves the
// whole process; pipelines are identified by id and tracked in an in-memory
// registry, except merge pipelines paused at review_changes, which are also
// persisted for crash recovery.
type Orchestrator struct {
	deps Deps

	mu        sync.Mutex
	pipelines map[string]*types.PipelineContext
	byTask    map[string]string // taskID -> pipelineID

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
}

// New creates an orchestrator and registers its task handlers on the queue.
// Call Start before enqueueing work and Close on shutdown.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		pipelines: make(map[string]*types.PipelineContext),
		byTask:    make(map[string]string),
	}
	deps.Queue.RegisterHandler(types.TaskStandardize, o.handleStandardize)
	deps.Queue.RegisterHandler(types.TaskGenerate, o.handleGenerate)
	deps.Queue.RegisterHandler(types.TaskMergeContent, o.handleMergeContent)
	deps.Queue.RegisterHandler(types.TaskVerify, o.handleVerify)
	return o
}

// Start subscribes to task events and resumes any merge pipelines that were
// persisted at their review checkpoint before a restart.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.unsub = o.deps.Queue.Subscribe(o.onTaskEvent)
	return o.resume(o.ctx)
}

// Close detaches the orchestrator from the event bus. In-flight pipelines
// stop advancing; merge pipelines at review_changes remain persisted.
func (o *Orchestrator) Close() {
	if o.unsub != nil {
		o.unsub()
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// GetPipeline returns a copy of the pipeline context.
func (o *Orchestrator) GetPipeline(pipelineID string) (*types.PipelineContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pc, ok := o.pipelines[pipelineID]
	if !ok {
		return nil, types.NewError(types.ErrCodeEntityNotFound, "pipeline %s not found", pipelineID)
	}
	cp := *pc
	return &cp, nil
}

// ListPipelines returns copies of every tracked pipeline context.
func (o *Orchestrator) ListPipelines() []*types.PipelineContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.PipelineContext, 0, len(o.pipelines))
	for _, pc := range o.pipelines {
		cp := *pc
		out = append(out, &cp)
	}
	return out
}

// CancelPipeline stops a non-terminal pipeline: outstanding tasks are
// cancelled, a reserved duplicate pair is returned to pending, and the
// persisted checkpoint (if any) is removed. The pipeline terminates in the
// failed stage with a state error recording the cancellation.
func (o *Orchestrator) CancelPipeline(ctx context.Context, pipelineID string) error {
	o.mu.Lock()
	pc, ok := o.pipelines[pipelineID]
	if !ok {
		o.mu.Unlock()
		return types.NewError(types.ErrCodeEntityNotFound, "pipeline %s not found", pipelineID)
	}
	if pc.Stage.Terminal() {
		o.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidPipelineState,
			"pipeline %s already reached %s", pipelineID, pc.Stage)
	}
	// Unmap tasks first so a result that lands mid-cancel is ignored.
	var taskIDs []string
	for taskID, pid := range o.byTask {
		if pid == pipelineID {
			taskIDs = append(taskIDs, taskID)
			delete(o.byTask, taskID)
		}
	}
	o.mu.Unlock()

	for _, taskID := range taskIDs {
		if err := o.deps.Queue.Cancel(taskID); err != nil {
			log.Printf("pipeline: cancel task %s: %v", taskID, err)
		}
	}
	o.fail(ctx, pc, types.NewError(types.ErrCodeInvalidPipelineState, "pipeline cancelled"))
	return nil
}

// register adds a new pipeline context to the registry.
func (o *Orchestrator) register(pc *types.PipelineContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipelines[pc.PipelineID] = pc
}

// track maps a queued task to its pipeline so completion events route back.
func (o *Orchestrator) track(taskID, pipelineID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byTask[taskID] = pipelineID
}

// mutate applies fn to pc under the registry lock. GetPipeline and
// ListPipelines copy contexts under the same lock, so an observer on
// another goroutine never sees a half-written context.
func (o *Orchestrator) mutate(pc *types.PipelineContext, fn func()) {
	o.mu.Lock()
	fn()
	pc.UpdatedAt = time.Now()
	o.mu.Unlock()
}

// setStage advances pc along the stage machine, rejecting transitions the
// machine does not define.
func (o *Orchestrator) setStage(pc *types.PipelineContext, to types.PipelineStage) error {
	o.mu.Lock()
	from := pc.Stage
	allowed := false
	for _, next := range validTransitions[pc.Kind][from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		o.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidPipelineState,
			"%s pipeline cannot move %s -> %s", pc.Kind, from, to)
	}
	pc.Stage = to
	pc.UpdatedAt = time.Now()
	o.mu.Unlock()
	o.deps.Bus.Publish(events.NewStageChangedEvent(pc.PipelineID, from, to))
	return nil
}

// fail terminates pc in the failed stage, undoing reservations: a merge
// pair reserved by this pipeline returns to pending and any persisted
// checkpoint is dropped. Files already written stay on disk; their
// snapshots remain available for manual restore.
func (o *Orchestrator) fail(ctx context.Context, pc *types.PipelineContext, err error) {
	coded := types.AsCoded(err)
	o.mu.Lock()
	from := pc.Stage
	pc.Stage = types.StageFailed
	pc.Err = coded
	pc.UpdatedAt = time.Now()
	o.mu.Unlock()

	if pc.Kind == types.PipelineMerge && pc.PairID != "" {
		if aerr := o.deps.Dedup.AbortMerge(ctx, pc.PairID); aerr != nil {
			// Already merged or dismissed; nothing to undo.
			log.Printf("pipeline: abort pair %s: %v", pc.PairID, aerr)
		}
		if derr := o.deps.State.DeletePipelineState(ctx, pc.PipelineID); derr != nil {
			log.Printf("pipeline: drop checkpoint %s: %v", pc.PipelineID, derr)
		}
	}

	log.Printf("pipeline: %s %s failed at %s: %v", pc.Kind, pc.PipelineID, from, coded)
	o.deps.Bus.Publish(events.NewStageChangedEvent(pc.PipelineID, from, types.StageFailed))
	o.deps.Bus.Publish(events.NewPipelineFailedEvent(pc.PipelineID, pc.NodeID, coded))
}

// complete terminates pc in the completed stage.
func (o *Orchestrator) complete(pc *types.PipelineContext) {
	if err := o.setStage(pc, types.StageCompleted); err != nil {
		o.fail(o.ctx, pc, err)
		return
	}
	o.deps.Bus.Publish(events.NewPipelineCompletedEvent(pc.PipelineID, pc.NodeID))
}

// onTaskEvent routes a task terminal event to its pipeline's advancement
// logic. Runs synchronously on the task goroutine, after the queue has
// released the node lease.
func (o *Orchestrator) onTaskEvent(ev events.Event) {
	o.mu.Lock()
	pipelineID, ok := o.byTask[ev.TaskID]
	if ok {
		delete(o.byTask, ev.TaskID)
	}
	pc := o.pipelines[pipelineID]
	terminal := pc != nil && pc.Stage.Terminal()
	o.mu.Unlock()
	if !ok || pc == nil || terminal {
		return
	}

	if ev.Type == events.EventTaskFailed {
		code := types.ErrCodeProviderCall
		if n := len(ev.Data); n > 0 {
			if attempts, ok := ev.Data["attempts"].([]types.AttemptError); ok && len(attempts) > 0 {
				code = attempts[len(attempts)-1].Code
			}
		}
		o.fail(o.ctx, pc, types.NewError(code, "task %s exhausted its attempts", ev.TaskID))
		return
	}

	task, err := o.deps.Queue.GetTask(ev.TaskID)
	if err != nil {
		o.fail(o.ctx, pc, err)
		return
	}

	switch pc.Kind {
	case types.PipelineCreate:
		o.advanceCreate(o.ctx, pc, task)
	case types.PipelineMerge:
		o.advanceMerge(o.ctx, pc, task)
	}
}

// resume reloads merge pipelines persisted at review_changes and re-announces
// their pending confirmation. Checkpoints in any other stage are stale
// debris from a crash mid-transition and are dropped.
func (o *Orchestrator) resume(ctx context.Context) error {
	saved, err := o.deps.State.LoadPipelineStates(ctx)
	if err != nil {
		return err
	}
	for _, pc := range saved {
		if pc.Stage != types.StageReviewChanges {
			if err := o.deps.State.DeletePipelineState(ctx, pc.PipelineID); err != nil {
				log.Printf("pipeline: drop stale checkpoint %s: %v", pc.PipelineID, err)
			}
			continue
		}
		o.register(pc)
		log.Printf("pipeline: resumed merge %s awaiting review", pc.PipelineID)
		o.deps.Bus.Publish(events.NewConfirmationRequiredEvent(pc.PipelineID, pc.Stage))
	}
	return nil
}

func newPipelineID() string {
	return "pl-" + uuid.New().String()
}

func newNodeID() string {
	return "node-" + uuid.New().String()
}
