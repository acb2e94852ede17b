package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/queue"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vault"
)

// Merge starts a merge pipeline for a pending duplicate pair. keptNodeID
// selects which of the pair's two notes survives; the other is folded in
// and deleted. The pair is reserved for the pipeline's lifetime.
//
// The pipeline pauses at review_changes with a diff preview and waits for
// ConfirmMerge or CancelPipeline. The paused context is persisted, so the
// confirmation survives a restart.
func (o *Orchestrator) Merge(ctx context.Context, pairID, keptNodeID string) (string, error) {
	pair, err := o.deps.Dedup.GetPair(ctx, pairID)
	if err != nil {
		return "", err
	}
	if !pair.Involves(keptNodeID) {
		return "", types.NewError(types.ErrCodeInvalidInput,
			"node %s is not part of pair %s", keptNodeID, pairID)
	}
	deletedNodeID := pair.NodeIDA
	if deletedNodeID == keptNodeID {
		deletedNodeID = pair.NodeIDB
	}

	if err := o.deps.Dedup.StartMerge(ctx, pairID); err != nil {
		return "", err
	}

	now := time.Now()
	pc := &types.PipelineContext{
		PipelineID:    newPipelineID(),
		Kind:          types.PipelineMerge,
		NodeID:        keptNodeID,
		Type:          pair.Type,
		Stage:         types.StageIdle,
		PairID:        pairID,
		KeptNodeID:    keptNodeID,
		DeletedNodeID: deletedNodeID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.register(pc)

	if err := o.setStage(pc, types.StageSaving); err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}

	keptPath, _, keptContent, err := o.deps.Vault.FindByNodeID(keptNodeID)
	if err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}
	deletedPath, _, deletedContent, err := o.deps.Vault.FindByNodeID(deletedNodeID)
	if err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}

	// Both snapshots must exist before anything destructive can happen.
	// A failure here aborts the merge with the vault untouched.
	keptSnap, err := o.deps.Snapshots.CreateSnapshot(keptPath, keptContent, "pre-merge", keptNodeID)
	if err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}
	deletedSnap, err := o.deps.Snapshots.CreateSnapshot(deletedPath, deletedContent, "pre-merge", deletedNodeID)
	if err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}

	o.mutate(pc, func() {
		pc.FilePath = keptPath
		pc.PreviousContent = keptContent
		pc.DeletedPath = deletedPath
		pc.DeletedContent = deletedContent
		pc.SnapshotIDs = append(pc.SnapshotIDs, keptSnap, deletedSnap)
	})

	if err := o.setStage(pc, types.StageWriting); err != nil {
		o.fail(ctx, pc, err)
		return "", err
	}

	taskID, err := o.deps.Queue.Enqueue(queue.TaskSpec{
		NodeID: keptNodeID,
		Type:   types.TaskMergeContent,
		Payload: types.MergeContentPayload{
			PipelineID:     pc.PipelineID,
			KeptNodeID:     keptNodeID,
			DeletedNodeID:  deletedNodeID,
			KeptContent:    keptContent,
			DeletedContent: deletedContent,
			Type:           pair.Type,
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

// advanceMerge moves a merge pipeline forward after one of its tasks
// completed.
func (o *Orchestrator) advanceMerge(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	switch task.Type {
	case types.TaskMergeContent:
		o.mergeAfterContent(ctx, pc, task)
	case types.TaskVerify:
		o.applyVerification(ctx, pc, task)
	default:
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"merge pipeline received unexpected task type %q", task.Type))
	}
}

// mergeAfterContent assembles the merged document, pauses the pipeline at
// the review checkpoint, and persists the paused context.
func (o *Orchestrator) mergeAfterContent(ctx context.Context, pc *types.PipelineContext, task *types.Task) {
	data, ok := task.Result.(*types.MergedData)
	if !ok {
		o.fail(ctx, pc, types.NewError(types.ErrCodeInternal,
			"merge task %s returned %T", task.ID, task.Result))
		return
	}

	merged, err := buildMergedNote(pc.PreviousContent, pc.DeletedContent, data)
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}
	rendered, err := vault.RenderNote(merged)
	if err != nil {
		o.fail(ctx, pc, err)
		return
	}

	o.mutate(pc, func() {
		pc.NewContent = rendered
		pc.DiffPreview = diffPreview(pc.FilePath, pc.PreviousContent, rendered)
	})

	if err := o.setStage(pc, types.StageReviewChanges); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	// Persist before announcing: a crash after this point resumes the
	// confirmation instead of losing the LLM's work.
	if err := o.deps.State.SavePipelineState(ctx, pc); err != nil {
		o.fail(ctx, pc, err)
		return
	}
	o.deps.Bus.Publish(events.NewConfirmationRequiredEvent(pc.PipelineID, pc.Stage))
}

// ConfirmMerge applies a reviewed merge: writes the merged document over
// the kept note, rewrites references to the deleted note, deletes it, and
// updates index and pair state.
//
// Both notes are re-read under their node leases first. If either changed
// since the preview was built, the merge aborts with a conflict error and
// the pair returns to pending; nothing is written.
func (o *Orchestrator) ConfirmMerge(ctx context.Context, pipelineID string) error {
	o.mu.Lock()
	pc, ok := o.pipelines[pipelineID]
	var stage types.PipelineStage
	if ok {
		stage = pc.Stage
	}
	o.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrCodeEntityNotFound, "pipeline %s not found", pipelineID)
	}
	if stage != types.StageReviewChanges {
		return types.NewError(types.ErrCodeInvalidPipelineState,
			"pipeline %s is at %s, not awaiting review", pipelineID, stage)
	}

	keptLease, err := o.deps.Locks.Acquire(locks.NodeKey(pc.KeptNodeID))
	if err != nil {
		return types.WrapError(types.ErrCodeLockConflict, err, "node %s is locked", pc.KeptNodeID)
	}
	deletedLease, err := o.deps.Locks.Acquire(locks.NodeKey(pc.DeletedNodeID))
	if err != nil {
		keptLease.Release()
		return types.WrapError(types.ErrCodeLockConflict, err, "node %s is locked", pc.DeletedNodeID)
	}

	err = func() error {
		defer keptLease.Release()
		defer deletedLease.Release()

		// Drift check: the preview was computed against captured content.
		keptNow, _, err := o.deps.Vault.ReadByPathIfExists(pc.FilePath)
		if err != nil {
			return err
		}
		deletedNow, _, err := o.deps.Vault.ReadByPathIfExists(pc.DeletedPath)
		if err != nil {
			return err
		}
		if keptNow != pc.PreviousContent || deletedNow != pc.DeletedContent {
			return types.NewError(types.ErrCodeLockConflict,
				"notes changed since the merge preview was built")
		}

		if err := o.setStage(pc, types.StageWriting); err != nil {
			return err
		}
		if err := o.deps.Vault.WriteAtomic(pc.FilePath, pc.NewContent); err != nil {
			return err
		}
		if err := o.rewriteParentRefs(pc); err != nil {
			return err
		}
		return o.deps.Vault.DeleteByPathIfExists(pc.DeletedPath)
	}()
	if err != nil {
		o.fail(ctx, pc, err)
		return err
	}

	if err := o.setStage(pc, types.StageIndexing); err != nil {
		o.fail(ctx, pc, err)
		return err
	}
	if err := o.deps.Index.Delete(ctx, pc.DeletedNodeID); err != nil {
		log.Printf("pipeline: drop index entry %s: %v", pc.DeletedNodeID, err)
	}
	if _, err := o.deps.Dedup.RemovePairsByNodeID(ctx, pc.DeletedNodeID); err != nil {
		log.Printf("pipeline: purge pairs for %s: %v", pc.DeletedNodeID, err)
	}
	// The kept note's content just changed materially, so pending pairs
	// computed against the old content are stale. Re-detection below runs
	// against the merged document.
	if _, err := o.deps.Dedup.ClearPendingPairsByNodeID(ctx, pc.KeptNodeID); err != nil {
		log.Printf("pipeline: clear stale pairs for %s: %v", pc.KeptNodeID, err)
	}

	mergedNote, parseErr := vault.ParseNote(pc.NewContent)
	if parseErr != nil {
		// NewContent was rendered by us; this cannot normally happen.
		o.fail(ctx, pc, parseErr)
		return parseErr
	}

	// The merge is committed; a failed re-embed leaves the kept note's old
	// vector in place rather than undoing the writes.
	embedding, err := o.embed(ctx, mergedNote.Title+"\n\n"+mergedNote.Definition+"\n\n"+mergedNote.Body)
	if err != nil {
		log.Printf("pipeline: re-embed %s: %v", pc.KeptNodeID, err)
	} else {
		o.mutate(pc, func() { pc.Embedding = embedding })
		if err := o.deps.Index.Upsert(ctx, &types.VectorEntry{
			NodeID:    pc.KeptNodeID,
			Type:      pc.Type,
			Embedding: embedding,
			UpdatedAt: time.Now(),
		}); err != nil {
			log.Printf("pipeline: reindex %s: %v", pc.KeptNodeID, err)
		}
	}

	if err := o.setStage(pc, types.StageCheckingDuplicates); err != nil {
		o.fail(ctx, pc, err)
		return err
	}
	if len(pc.Embedding) > 0 {
		if _, err := o.deps.Dedup.Detect(ctx, pc.KeptNodeID, pc.Type, pc.Embedding); err != nil {
			log.Printf("pipeline: duplicate scan for %s: %v", pc.KeptNodeID, err)
		}
	}

	if err := o.deps.Dedup.CompleteMerge(ctx, pc.PairID); err != nil {
		log.Printf("pipeline: complete pair %s: %v", pc.PairID, err)
	}
	if err := o.deps.State.DeletePipelineState(ctx, pc.PipelineID); err != nil {
		log.Printf("pipeline: drop checkpoint %s: %v", pc.PipelineID, err)
	}

	o.finishOrVerify(ctx, pc, mergedNote.Title, mergedNote.Body)
	return nil
}

// rewriteParentRefs repoints every note whose parents list names the
// deleted note's title to the merged title. Each touched note is
// snapshotted before its rewrite.
func (o *Orchestrator) rewriteParentRefs(pc *types.PipelineContext) error {
	deletedNote, err := vault.ParseNote(pc.DeletedContent)
	if err != nil {
		return err
	}
	mergedNote, err := vault.ParseNote(pc.NewContent)
	if err != nil {
		return err
	}
	if deletedNote.Title == mergedNote.Title {
		return nil
	}

	paths, err := o.deps.Vault.ListMarkdownFiles()
	if err != nil {
		return err
	}

	// Two passes: snapshot every affected note before writing any of them,
	// so a failure mid-rewrite leaves a complete restore set.
	type relink struct {
		path     string
		rendered string
	}
	var relinks []relink
	for _, path := range paths {
		if path == pc.FilePath || path == pc.DeletedPath {
			continue
		}
		content, found, err := o.deps.Vault.ReadByPathIfExists(path)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		note, err := vault.ParseNote(content)
		if err != nil {
			continue // unmanaged markdown file
		}
		if !note.ReplaceParent(deletedNote.Title, mergedNote.Title) {
			continue
		}
		snapID, err := o.deps.Snapshots.CreateSnapshot(path, content, "merge-relink", note.ID)
		if err != nil {
			return err
		}
		o.mutate(pc, func() { pc.SnapshotIDs = append(pc.SnapshotIDs, snapID) })
		rendered, err := vault.RenderNote(note)
		if err != nil {
			return err
		}
		relinks = append(relinks, relink{path: path, rendered: rendered})
	}

	for _, r := range relinks {
		if err := o.deps.Vault.WriteAtomic(r.path, r.rendered); err != nil {
			return err
		}
	}
	return nil
}

// buildMergedNote assembles the merged document from the kept note's front
// matter and the LLM's merge result. The deleted note's title and aliases
// become aliases of the merged note so old references keep resolving.
func buildMergedNote(keptContent, deletedContent string, data *types.MergedData) (*types.Note, error) {
	kept, err := vault.ParseNote(keptContent)
	if err != nil {
		return nil, err
	}
	deleted, err := vault.ParseNote(deletedContent)
	if err != nil {
		return nil, err
	}

	merged := *kept
	merged.Title = data.MergedName
	merged.Definition = data.UpdatedDefinition
	merged.Body = data.MergedBody
	merged.Status = types.StatusDraft

	aliases := make([]string, len(kept.Aliases))
	copy(aliases, kept.Aliases)
	merged.Aliases = aliases
	for _, alias := range append([]string{kept.Title, deleted.Title}, deleted.Aliases...) {
		if alias != merged.Title && !merged.HasAlias(alias) {
			merged.Aliases = append(merged.Aliases, alias)
		}
	}

	for _, tag := range deleted.Tags {
		present := false
		for _, t := range merged.Tags {
			if t == tag {
				present = true
				break
			}
		}
		if !present {
			merged.Tags = append(merged.Tags, tag)
		}
	}
	return &merged, nil
}

// diffPreview renders a unified diff of the kept note before and after the
// merge, for the review checkpoint.
func diffPreview(path, before, after string) string {
	name := filepath.Base(path)
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified("before/"+name, "after/"+name, before, edits))
}
