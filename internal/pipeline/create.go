package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/quillforge/quill/internal/ai"
	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/queue"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vault"
)

// Create starts a create pipeline for raw user input and returns the
// pipeline id. The pipeline advances asynchronously; callers observe
// progress through the event bus or GetPipeline.
func (o *Orchestrator) Create(ctx context.Context, userInput string) (string, error) {
	if strings.TrimSpace(userInput) == "" {
		return "", types.NewError(types.ErrCodeInvalidInput, "input is empty")
	}

	now := time.Now()
	pc := &types.PipelineContext{
		PipelineID: newPipelineID(),
		Kind:       types.PipelineCreate,
		NodeID:     newNodeID(),
		Stage:      types.StageIdle,
		UserInput:  userInput,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.register(pc)

	if err := o.setStage(pc, types.StageTagging); err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}

	taskID, err := o.deps.Queue.Enqueue(queue.TaskSpec{
		NodeID: pc.NodeID,
		Type:   types.TaskStandardize,
		Payload: types.StandardizePayload{
			PipelineID: pc.PipelineID,
			UserInput:  userInput,
		},
		MaxAttempts: o.deps.Settings.GetSettings().MaxRetryAttempts,
	})
	if err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}
	o.track(taskID, pc.PipelineID)
	return pc.PipelineID, nil
}

// advanceCreate moves a create pipeline forward after one of its tasks
// completed.
func (o *Orchestrator) advanceCreate(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	switch task.Type {
	case types.TaskStandardize:
		o.createAfterStandardize(ctx, pc, task)
	case types.TaskGenerate:
		o.createAfterGenerate(ctx, pc, task)
	case types.TaskVerify:
		o.createAfterVerify(ctx, pc, task)
	default:
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"create pipeline received unexpected task type %q", task.Type))
	}
}

// createAfterStandardize writes the stub checkpoint and enqueues content
// generation. The stub is the first write for this node, so no snapshot
// precedes it; a crash after this point leaves a valid front-matter-only
// note on disk.
func (o *Orchestrator) createAfterStandardize(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	data, ok := task.Result.(*types.StandardizedData)
	if !ok {
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"standardize task %s returned %T", task.ID, task.Result))
		return
	}
	path := o.deps.Vault.PathForTitle(data.Type, data.Title)
	if _, exists := o.deps.Vault.GetFileByPath(path); exists {
		o.fail(ctx, pc, types.NewError(types.ErrCodeNameCollision,
			"note already exists at %s", path).WithDetail("path", path))
		return
	}
	o.mutate(pc, func() {
		pc.Standardized = data
		pc.Type = data.Type
		pc.FilePath = path
	})

	stub, err := vault.RenderStub(pc.NodeID, data)
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}

	lease, err := o.deps.Locks.Acquire(locks.NodeKey(pc.NodeID))
	if err != nil {
		o.fail(ctx, pc, types.WrapError(types.ErrCodeLockConflict, err,
			"node %s is locked", pc.NodeID))
		return
	}
	err = func() error {
		defer lease.Release()
		if err := o.deps.Vault.EnsureDirForPath(path); err != nil {
			return err
		}
		return o.deps.Vault.WriteAtomic(path, stub)
	}()
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}

	if err := o.setStage(pc, types.StageReviewDraft); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	// The draft checkpoint auto-confirms; the event is informational.
	o.deps.Bus.Publish(events.NewConfirmationRequiredEvent(pc.PipelineID, pc.Stage))

	if err := o.setStage(pc, types.StageWriting); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	taskID, err := o.deps.Queue.Enqueue(queue.TaskSpec{
		NodeID: pc.NodeID,
		Type:   types.TaskGenerate,
		Payload: types.GeneratePayload{
			PipelineID:   pc.PipelineID,
			NodeID:       pc.NodeID,
			Standardized: *data,
		},
		MaxAttempts: o.deps.Settings.GetSettings().MaxRetryAttempts,
	})
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}
	o.track(taskID, pc.PipelineID)
}

// createAfterGenerate embeds the content, overwrites the stub with the full
// draft (snapshotting the stub first), indexes the embedding, and runs
// duplicate detection.
func (o *Orchestrator) createAfterGenerate(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	content, ok := task.Result.(string)
	if !ok {
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"generate task %s returned %T", task.ID, task.Result))
		return
	}
	o.mutate(pc, func() { pc.GeneratedContent = content })

	if err := o.setStage(pc, types.StageIndexing); err != nil {
		o.fail(ctx, pc, err)
		return
	}

	embedding, err := o.embed(ctx, pc.Standardized.Title+"\n\n"+pc.Standardized.Definition+"\n\n"+content)
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}
	o.mutate(pc, func() { pc.Embedding = embedding })

	note := &types.Note{
		ID:         pc.NodeID,
		Title:      pc.Standardized.Title,
		Type:       pc.Standardized.Type,
		Status:     types.StatusDraft,
		Definition: pc.Standardized.Definition,
		Aliases:    pc.Standardized.Aliases,
		Parents:    pc.Standardized.Parents,
		Tags:       pc.Standardized.Tags,
		Body:       content,
	}
	rendered, err := vault.RenderNote(note)
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}

	lease, err := o.deps.Locks.Acquire(locks.NodeKey(pc.NodeID))
	if err != nil {
		o.fail(ctx, pc, types.WrapError(types.ErrCodeLockConflict, err,
			"node %s is locked", pc.NodeID))
		return
	}
	err = func() error {
		defer lease.Release()
		// The stub is being overwritten: snapshot it first.
		stub, found, err := o.deps.Vault.ReadByPathIfExists(pc.FilePath)
		if err != nil {
			return err
		}
		if found {
			snapID, err := o.deps.Snapshots.CreateSnapshot(pc.FilePath, stub, "pre-draft", pc.NodeID)
			if err != nil {
				return err
			}
			o.mutate(pc, func() { pc.SnapshotIDs = append(pc.SnapshotIDs, snapID) })
		}
		return o.deps.Vault.WriteAtomic(pc.FilePath, rendered)
	}()
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}

	if err := o.deps.Index.Upsert(ctx, &types.VectorEntry{
		NodeID:    pc.NodeID,
		Type:      pc.Type,
		Embedding: embedding,
		UpdatedAt: time.Now(),
	}); err != nil {
		o.fail(ctx, pc, err)
		return
	}

	if err := o.setStage(pc, types.StageCheckingDuplicates); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	// Detection is best-effort; a conflict or store hiccup never blocks the
	// pipeline.
	if _, err := o.deps.Dedup.Detect(ctx, pc.NodeID, pc.Type, embedding); err != nil {
		log.Printf("pipeline: duplicate scan for %s: %v", pc.NodeID, err)
	}

	o.finishOrVerify(ctx, pc, pc.Standardized.Title, content)
}

// createAfterVerify applies the verification verdict to the note's status.
func (o *Orchestrator) createAfterVerify(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	o.applyVerification(ctx, pc, task)
}

// finishOrVerify either completes the pipeline or enqueues the optional
// verification pass, per current settings.
func (o *Orchestrator) finishOrVerify(ctx context.Context, pc *types.PipelineContext, title, content string) {
	if !o.deps.Settings.GetSettings().EnableAutoVerify {
		o.complete(pc)
		return
	}
	if err := o.setStage(pc, types.StageVerifying); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	taskID, err := o.deps.Queue.Enqueue(queue.TaskSpec{
		NodeID: pc.NodeID,
		Type:   types.TaskVerify,
		Payload: types.VerifyPayload{
			PipelineID: pc.PipelineID,
			NodeID:     pc.NodeID,
			Title:      title,
			Content:    content,
			Type:       pc.Type,
		},
		MaxAttempts: o.deps.Settings.GetSettings().MaxRetryAttempts,
	})
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}
	o.track(taskID, pc.PipelineID)
}

// applyVerification upgrades the note to Verified when the check passed.
// A negative verdict is not a failure: the note stays Draft with the
// issues logged.
func (o *Orchestrator) applyVerification(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	verdict, ok := task.Result.(*types.VerificationData)
	if !ok {
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"verify task %s returned %T", task.ID, task.Result))
		return
	}

	if !verdict.Verified {
		log.Printf("pipeline: %s left as draft, verification found %d issues",
			pc.NodeID, len(verdict.Issues))
		o.complete(pc)
		return
	}

	lease, err := o.deps.Locks.Acquire(locks.NodeKey(pc.NodeID))
	if err != nil {
		o.fail(ctx, pc, types.WrapError(types.ErrCodeLockConflict, err,
			"node %s is locked", pc.NodeID))
		return
	}
	err = func() error {
		defer lease.Release()
		content, err := o.deps.Vault.ReadByPath(pc.FilePath)
		if err != nil {
			return err
		}
		note, err := vault.ParseNote(content)
		if err != nil {
			return err
		}
		snapID, err := o.deps.Snapshots.CreateSnapshot(pc.FilePath, content, "pre-verify", pc.NodeID)
		if err != nil {
			return err
		}
		o.mutate(pc, func() { pc.SnapshotIDs = append(pc.SnapshotIDs, snapID) })
		note.Status = types.StatusVerified
		rendered, err := vault.RenderNote(note)
		if err != nil {
			return err
		}
		return o.deps.Vault.WriteAtomic(pc.FilePath, rendered)
	}()
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}
	o.complete(pc)
}

// embed runs one embedding request, mapping any failure onto the embedding
// error code.
func (o *Orchestrator) embed(ctx context.Context, input string) ([]float64, error) {
	cfg := o.deps.Settings.GetSettings()
	res, err := o.deps.Client.Embed(ctx, ai.EmbedRequest{
		Input:      input,
		Model:      cfg.EmbedModel,
		Dimensions: cfg.EmbedDimensions,
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeEmbeddingFailed, err, "embedding request failed")
	}
	if len(res.Embedding) == 0 {
		return nil, types.NewError(types.ErrCodeEmbeddingFailed, "embedding response is empty")
	}
	return res.Embedding, nil
}
