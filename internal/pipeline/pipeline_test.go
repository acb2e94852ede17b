package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// scriptedClient replies to chat calls in order and returns a fixed
// embedding. The pipelines issue chats in a deterministic sequence, so a
// FIFO script is enough.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	chatErr  error
	embeds   []float64
	embedErr error
	calls    int
}

func (c *scriptedClient) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.chatErr != nil {
		return nil, c.chatErr
	}
	if len(c.replies) == 0 {
		return nil, types.NewError(types.ErrCodeProviderCall, "scripted client has no reply left")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return &ai.ChatResult{Content: reply, TokensUsed: 10}, nil
}

func (c *scriptedClient) Embed(ctx context.Context, req ai.EmbedRequest) (*ai.EmbedResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.embedErr != nil {
		return nil, c.embedErr
	}
	return &ai.EmbedResult{Embedding: c.embeds, TokensUsed: 5}, nil
}

type harness struct {
	orch     *Orchestrator
	client   *scriptedClient
	bus      *events.Bus
	queue    *queue.Queue
	locks    *locks.Coordinator
	vault    *vault.Repository
	snaps    *snapshot.Manager
	index    *vectorindex.Index
	dedup    *dedup.Engine
	state    *state.Store
	settings *settings.Store
	vaultDir string
	snapDir  string

	mu     sync.Mutex
	stages map[string][]types.PipelineStage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		vaultDir: t.TempDir(),
		snapDir:  t.TempDir(),
		stages:   make(map[string][]types.PipelineStage),
	}

	var err error
	h.state, err = state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { h.state.Close() })

	h.settings, err = settings.NewStore("")
	require.NoError(t, err)
	h.settings.Set("vault_dir", h.vaultDir)
	h.settings.Set("max_retry_attempts", 1)

	h.client = &scriptedClient{embeds: []float64{0.6, 0.8, 0}}
	h.bus = events.NewBus()
	h.locks = locks.NewCoordinator()
	h.vault = vault.NewRepository(h.vaultDir, "by-type")

	h.snaps, err = snapshot.NewManager(h.snapDir)
	require.NoError(t, err)

	h.index, err = vectorindex.New(context.Background(), h.state)
	require.NoError(t, err)

	h.dedup, err = dedup.NewEngine(dedup.DefaultConfig(), h.index, h.state, h.locks, h.bus)
	require.NoError(t, err)

	prompts, err := templates.NewRenderer()
	require.NoError(t, err)

	h.queue = queue.New(queue.Config{
		Concurrency:        2,
		DefaultMaxAttempts: 1,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		LockRetryDelay:     time.Millisecond,
	}, h.locks, h.bus)
	t.Cleanup(h.queue.Close)

	h.orch = New(Deps{
		Settings:  h.settings,
		Client:    h.client,
		Prompts:   prompts,
		Queue:     h.queue,
		Locks:     h.locks,
		Bus:       h.bus,
		Vault:     h.vault,
		Snapshots: h.snaps,
		Index:     h.index,
		Dedup:     h.dedup,
		State:     h.state,
	})
	t.Cleanup(h.orch.Close)

	h.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventStageChanged {
			h.mu.Lock()
			h.stages[ev.PipelineID] = append(h.stages[ev.PipelineID], ev.Stage)
			h.mu.Unlock()
		}
	})

	h.queue.Start(context.Background())
	require.NoError(t, h.orch.Start(context.Background()))
	return h
}

func (h *harness) stageOf(pipelineID string) types.PipelineStage {
	pc, err := h.orch.GetPipeline(pipelineID)
	if err != nil {
		return ""
	}
	return pc.Stage
}

func (h *harness) waitForStage(t *testing.T, pipelineID string, want types.PipelineStage) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		return h.stageOf(pipelineID) == want
	}, "pipeline "+pipelineID+" to reach "+string(want))
}

func (h *harness) recordedStages(pipelineID string) []types.PipelineStage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.PipelineStage, len(h.stages[pipelineID]))
	copy(out, h.stages[pipelineID])
	return out
}

// writeNote renders a note into the vault and indexes its embedding.
func (h *harness) writeNote(t *testing.T, note *types.Note, embedding []float64) string {
	t.Helper()
	content, err := vault.RenderNote(note)
	require.NoError(t, err)
	path := h.vault.PathForTitle(note.Type, note.Title)
	require.NoError(t, h.vault.EnsureDirForPath(path))
	require.NoError(t, h.vault.WriteAtomic(path, content))
	if embedding != nil {
		require.NoError(t, h.index.Upsert(context.Background(), &types.VectorEntry{
			NodeID: note.ID, Type: note.Type, Embedding: embedding,
		}))
	}
	return path
}

// seedPendingPair stores a pending pair between two already-written notes.
func (h *harness) seedPendingPair(t *testing.T, a, b string, typ types.KnowledgeType) string {
	t.Helper()
	lo, hi := types.SortedPair(a, b)
	pair := &types.DuplicatePair{
		ID:         types.PairID(a, b),
		NodeIDA:    lo,
		NodeIDB:    hi,
		Type:       typ,
		Similarity: 0.91,
		Status:     types.PairPending,
		DetectedAt: time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, h.state.SavePair(context.Background(), pair))
	return pair.ID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

// assertLegalStageSequence checks every recorded transition against the
// stage machine, treating failed as reachable from anywhere.
func assertLegalStageSequence(t *testing.T, kind types.PipelineKind, stages []types.PipelineStage) {
	t.Helper()
	prev := types.StageIdle
	for _, s := range stages {
		if s == types.StageFailed {
			prev = s
			continue
		}
		legal := false
		for _, next := range validTransitions[kind][prev] {
			if next == s {
				legal = true
				break
			}
		}
		assert.True(t, legal, "illegal transition %s -> %s", prev, s)
		prev = s
	}
}

const standardizeReply = `{"title": "Gradient Descent", "type": "Concept", "definition": "An iterative optimization algorithm.", "tags": ["optimization"], "parents": ["Optimization"]}`

func TestCreatePipelineHappyPath(t *testing.T) {
	h := newHarness(t)
	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function by stepping against the gradient.",
	}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageCompleted)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	assert.Nil(t, pc.Err)
	assert.Equal(t, types.TypeConcept, pc.Type)

	content, err := h.vault.ReadByPath(pc.FilePath)
	require.NoError(t, err)
	note, err := vault.ParseNote(content)
	require.NoError(t, err)
	assert.Equal(t, pc.NodeID, note.ID)
	assert.Equal(t, "Gradient Descent", note.Title)
	assert.Equal(t, types.StatusDraft, note.Status)
	assert.Contains(t, note.Body, "minimizes a loss function")

	// The embedding landed in the index under the note's type bucket.
	entry, ok := h.index.GetEntry(pc.NodeID)
	require.True(t, ok)
	assert.Equal(t, types.TypeConcept, entry.Type)

	// The stub checkpoint was snapshotted before being overwritten.
	snaps, err := h.snaps.ListSnapshots(pc.NodeID)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	assert.Equal(t, "pre-draft", snaps[0].Label)

	assertLegalStageSequence(t, types.PipelineCreate, h.recordedStages(plID))
	assert.Equal(t, []types.PipelineStage{
		types.StageTagging,
		types.StageReviewDraft,
		types.StageWriting,
		types.StageIndexing,
		types.StageCheckingDuplicates,
		types.StageCompleted,
	}, h.recordedStages(plID))
}

func TestGetPipelineConcurrentWithAdvancement(t *testing.T) {
	h := newHarness(t)
	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function.",
	}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)

	// Hammer the read side while the pipeline advances on the task
	// goroutine. Run with -race: an unsynchronized context write shows up
	// as a race against these copies.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if pc, err := h.orch.GetPipeline(plID); err == nil {
					_ = len(pc.SnapshotIDs)
				}
				h.orch.ListPipelines()
			}
		}()
	}

	h.waitForStage(t, plID, types.StageCompleted)
	close(stop)
	wg.Wait()

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	assert.Nil(t, pc.Err)
	assert.NotEmpty(t, pc.FilePath)
}

func TestCreateRejectsEmptyInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Create(context.Background(), "   ")
	assert.Equal(t, types.ErrCodeInvalidInput, types.CodeOf(err))
}

func TestCreateFailsOnNameCollision(t *testing.T) {
	h := newHarness(t)
	h.writeNote(t, &types.Note{
		ID: "node-existing", Title: "Gradient Descent",
		Type: types.TypeConcept, Status: types.StatusDraft,
	}, nil)

	h.client.replies = []string{standardizeReply, "unused"}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageFailed)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	require.NotNil(t, pc.Err)
	assert.Equal(t, types.ErrCodeNameCollision, pc.Err.Code)

	// The existing note was not touched.
	content, err := h.vault.ReadByPath(h.vault.PathForTitle(types.TypeConcept, "Gradient Descent"))
	require.NoError(t, err)
	note, err := vault.ParseNote(content)
	require.NoError(t, err)
	assert.Equal(t, "node-existing", note.ID)
}

func TestCreateWithAutoVerify(t *testing.T) {
	h := newHarness(t)
	h.settings.Set("enable_auto_verify", true)
	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function.",
		`{"verified": true}`,
	}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageCompleted)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	content, err := h.vault.ReadByPath(pc.FilePath)
	require.NoError(t, err)
	note, err := vault.ParseNote(content)
	require.NoError(t, err)
	assert.Equal(t, types.StatusVerified, note.Status)

	assert.Contains(t, h.recordedStages(plID), types.StageVerifying)
	assertLegalStageSequence(t, types.PipelineCreate, h.recordedStages(plID))
}

func TestCreateNegativeVerdictLeavesDraft(t *testing.T) {
	h := newHarness(t)
	h.settings.Set("enable_auto_verify", true)
	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function.",
		`{"verified": false, "issues": ["definition is circular"]}`,
	}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageCompleted)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	content, err := h.vault.ReadByPath(pc.FilePath)
	require.NoError(t, err)
	note, err := vault.ParseNote(content)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDraft, note.Status)
}

func TestCreateProviderFailureFailsPipeline(t *testing.T) {
	h := newHarness(t)
	h.client.chatErr = types.NewError(types.ErrCodeProviderAuth, "bad key")

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageFailed)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	require.NotNil(t, pc.Err)
	assert.Equal(t, types.ErrCodeProviderAuth, pc.Err.Code)
	assertLegalStageSequence(t, types.PipelineCreate, h.recordedStages(plID))
}

// mergeFixture writes the kept and deleted notes plus a child note whose
// parents list references the deleted title, and seeds the pending pair.
func mergeFixture(t *testing.T, h *harness) (pairID string) {
	t.Helper()
	h.writeNote(t, &types.Note{
		ID: "node-k", Title: "Gradient Descent", Type: types.TypeConcept,
		Status: types.StatusDraft, Definition: "An optimization algorithm.",
		Body: "Steps against the gradient.",
	}, []float64{1, 0, 0})
	h.writeNote(t, &types.Note{
		ID: "node-d", Title: "Gradient Method", Type: types.TypeConcept,
		Status: types.StatusDraft, Definition: "Optimization by gradients.",
		Body: "Iterative descent along the gradient.",
	}, []float64{0.99, 0.1, 0})
	h.writeNote(t, &types.Note{
		ID: "node-c", Title: "Stochastic Gradient Descent", Type: types.TypeConcept,
		Status: types.StatusDraft, Parents: []string{"Gradient Method"},
		Body: "Minibatch variant.",
	}, nil)
	return h.seedPendingPair(t, "node-k", "node-d", types.TypeConcept)
}

const mergeReply = `{"merged_name": "Gradient Descent", "updated_definition": "An iterative first-order optimization algorithm.", "merged_body": "Steps against the gradient, iteratively."}`

func TestMergePipelineHappyPath(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	h.client.replies = []string{mergeReply}
	ctx := context.Background()

	plID, err := h.orch.Merge(ctx, pairID, "node-k")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageReviewChanges)

	// Reserved for the pipeline, preview built, checkpoint persisted.
	pair, err := h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerging, pair.Status)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)
	assert.NotEmpty(t, pc.DiffPreview)
	assert.Contains(t, pc.DiffPreview, "iterative first-order")

	saved, err := h.state.LoadPipelineStates(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, types.StageReviewChanges, saved[0].Stage)

	require.NoError(t, h.orch.ConfirmMerge(ctx, plID))
	h.waitForStage(t, plID, types.StageCompleted)

	// Kept note holds the merged document and absorbed the deleted title
	// as an alias.
	content, err := h.vault.ReadByPath(pc.FilePath)
	require.NoError(t, err)
	note, err := vault.ParseNote(content)
	require.NoError(t, err)
	assert.Equal(t, "node-k", note.ID)
	assert.Equal(t, "An iterative first-order optimization algorithm.", note.Definition)
	assert.True(t, note.HasAlias("Gradient Method"))

	// Deleted note is gone from disk and index.
	_, exists := h.vault.GetFileByPath(pc.DeletedPath)
	assert.False(t, exists)
	_, indexed := h.index.GetEntry("node-d")
	assert.False(t, indexed)

	// The child's parent reference was repointed.
	childPath, child, _, err := h.vault.FindByNodeID("node-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"Gradient Descent"}, child.Parents)
	childSnaps, err := h.snaps.ListSnapshots("node-c")
	require.NoError(t, err)
	require.Len(t, childSnaps, 1)
	assert.Equal(t, childPath, childSnaps[0].Path)

	pair, err = h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerged, pair.Status)

	saved, err = h.state.LoadPipelineStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)

	assertLegalStageSequence(t, types.PipelineMerge, h.recordedStages(plID))
}

func TestConfirmMergeClearsStalePairsForKeptNote(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	ctx := context.Background()

	// A second pending pair against the kept note, detected before the
	// merge rewrote its content.
	h.writeNote(t, &types.Note{
		ID: "node-o", Title: "Coordinate Descent", Type: types.TypeConcept,
		Status: types.StatusDraft, Body: "Axis-aligned updates.",
	}, []float64{0, 1, 0})
	staleID := h.seedPendingPair(t, "node-k", "node-o", types.TypeConcept)

	h.client.replies = []string{mergeReply}
	plID, err := h.orch.Merge(ctx, pairID, "node-k")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageReviewChanges)

	require.NoError(t, h.orch.ConfirmMerge(ctx, plID))
	h.waitForStage(t, plID, types.StageCompleted)

	_, err = h.dedup.GetPair(ctx, staleID)
	assert.Equal(t, types.ErrCodeEntityNotFound, types.CodeOf(err))

	// Re-detection against the merged document found nothing similar.
	pending, err := h.dedup.ListPairs(ctx, types.PairPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMergeSnapshotFailureAbortsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	ctx := context.Background()

	keptContent, err := h.vault.ReadByPath(h.vault.PathForTitle(types.TypeConcept, "Gradient Descent"))
	require.NoError(t, err)

	// Pull the snapshot directory out from under the manager.
	require.NoError(t, os.RemoveAll(h.snapDir))

	_, err = h.orch.Merge(ctx, pairID, "node-k")
	require.Error(t, err)

	// Pair released back to pending, both notes untouched.
	pair, err := h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, pair.Status)

	now, err := h.vault.ReadByPath(h.vault.PathForTitle(types.TypeConcept, "Gradient Descent"))
	require.NoError(t, err)
	assert.Equal(t, keptContent, now)
	_, exists := h.vault.GetFileByPath(h.vault.PathForTitle(types.TypeConcept, "Gradient Method"))
	assert.True(t, exists)
}

func TestConfirmMergeDetectsDrift(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	h.client.replies = []string{mergeReply}
	ctx := context.Background()

	plID, err := h.orch.Merge(ctx, pairID, "node-k")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageReviewChanges)

	// Someone edits the kept note while the preview is under review.
	keptPath := h.vault.PathForTitle(types.TypeConcept, "Gradient Descent")
	drifted, err := h.vault.ReadByPath(keptPath)
	require.NoError(t, err)
	drifted += "\nEdited during review.\n"
	require.NoError(t, h.vault.WriteAtomic(keptPath, drifted))

	err = h.orch.ConfirmMerge(ctx, plID)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeLockConflict, types.CodeOf(err))

	// Nothing was written, deleted, or dropped from the index; the pair
	// went back to pending.
	now, err := h.vault.ReadByPath(keptPath)
	require.NoError(t, err)
	assert.Equal(t, drifted, now)
	_, exists := h.vault.GetFileByPath(h.vault.PathForTitle(types.TypeConcept, "Gradient Method"))
	assert.True(t, exists)
	_, indexed := h.index.GetEntry("node-d")
	assert.True(t, indexed)

	pair, err := h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, pair.Status)
	assert.Equal(t, types.StageFailed, h.stageOf(plID))
}

func TestMergeReviewCheckpointSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	h.client.replies = []string{mergeReply}
	ctx := context.Background()

	plID, err := h.orch.Merge(ctx, pairID, "node-k")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageReviewChanges)
	h.orch.Close()
	h.queue.Close()

	// A second orchestrator over the same stores stands in for a restarted
	// process.
	bus2 := events.NewBus()
	locks2 := locks.NewCoordinator()
	index2, err := vectorindex.New(ctx, h.state)
	require.NoError(t, err)
	dedup2, err := dedup.NewEngine(dedup.DefaultConfig(), index2, h.state, locks2, bus2)
	require.NoError(t, err)
	prompts, err := templates.NewRenderer()
	require.NoError(t, err)
	queue2 := queue.New(queue.Config{Concurrency: 1, DefaultMaxAttempts: 1}, locks2, bus2)
	t.Cleanup(queue2.Close)

	var confirmations []string
	bus2.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventConfirmationRequired {
			confirmations = append(confirmations, ev.PipelineID)
		}
	})

	orch2 := New(Deps{
		Settings:  h.settings,
		Client:    h.client,
		Prompts:   prompts,
		Queue:     queue2,
		Locks:     locks2,
		Bus:       bus2,
		Vault:     h.vault,
		Snapshots: h.snaps,
		Index:     index2,
		Dedup:     dedup2,
		State:     h.state,
	})
	t.Cleanup(orch2.Close)
	queue2.Start(ctx)
	require.NoError(t, orch2.Start(ctx))

	// The paused merge came back, still awaiting review.
	assert.Equal(t, []string{plID}, confirmations)
	pc, err := orch2.GetPipeline(plID)
	require.NoError(t, err)
	assert.Equal(t, types.StageReviewChanges, pc.Stage)
	assert.NotEmpty(t, pc.DiffPreview)

	require.NoError(t, orch2.ConfirmMerge(ctx, plID))
	waitFor(t, 5*time.Second, func() bool {
		pc, err := orch2.GetPipeline(plID)
		return err == nil && pc.Stage == types.StageCompleted
	}, "resumed merge to complete")

	pair, err := dedup2.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairMerged, pair.Status)

	saved, err := h.state.LoadPipelineStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestCancelPipelineAtReviewReleasesPair(t *testing.T) {
	h := newHarness(t)
	pairID := mergeFixture(t, h)
	h.client.replies = []string{mergeReply}
	ctx := context.Background()

	plID, err := h.orch.Merge(ctx, pairID, "node-k")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageReviewChanges)

	require.NoError(t, h.orch.CancelPipeline(ctx, plID))
	assert.Equal(t, types.StageFailed, h.stageOf(plID))

	pair, err := h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, pair.Status)

	saved, err := h.state.LoadPipelineStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)

	// Cancelling a terminal pipeline is a state error.
	err = h.orch.CancelPipeline(ctx, plID)
	assert.Equal(t, types.ErrCodeInvalidPipelineState, types.CodeOf(err))
}

func TestMergeRejectsUnknownPairAndOutsideNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Merge(ctx, "pair-nope", "node-k")
	assert.Equal(t, types.ErrCodeEntityNotFound, types.CodeOf(err))

	pairID := mergeFixture(t, h)
	_, err = h.orch.Merge(ctx, pairID, "node-elsewhere")
	assert.Equal(t, types.ErrCodeInvalidInput, types.CodeOf(err))

	// The failed validations never reserved the pair.
	pair, err := h.dedup.GetPair(ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PairPending, pair.Status)
}

func TestConfirmMergeOutsideReviewStage(t *testing.T) {
	h := newHarness(t)
	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function.",
	}

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageCompleted)

	err = h.orch.ConfirmMerge(context.Background(), plID)
	assert.Equal(t, types.ErrCodeInvalidPipelineState, types.CodeOf(err))
}

func TestCreateDetectsDuplicateOfExistingNote(t *testing.T) {
	h := newHarness(t)
	// An existing similar concept sits in the index.
	h.writeNote(t, &types.Note{
		ID: "node-prior", Title: "Steepest Descent", Type: types.TypeConcept,
		Status: types.StatusDraft, Body: "Classic first-order method.",
	}, []float64{0.6, 0.8, 0.01})

	h.client.replies = []string{
		standardizeReply,
		"Gradient descent minimizes a loss function.",
	}

	var pairEvents []events.Event
	h.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.EventDuplicatesDetected {
			h.mu.Lock()
			pairEvents = append(pairEvents, ev)
			h.mu.Unlock()
		}
	})

	plID, err := h.orch.Create(context.Background(), "what is gradient descent?")
	require.NoError(t, err)
	h.waitForStage(t, plID, types.StageCompleted)

	pc, err := h.orch.GetPipeline(plID)
	require.NoError(t, err)

	pairs, err := h.dedup.ListPairs(context.Background(), types.PairPending)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].Involves("node-prior"))
	assert.True(t, pairs[0].Involves(pc.NodeID))

	h.mu.Lock()
	n := len(pairEvents)
	h.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestDiffPreviewShowsChanges(t *testing.T) {
	before := "---\nid: n1\n---\n\nold body\n"
	after := "---\nid: n1\n---\n\nnew body\n"
	preview := diffPreview("/vault/Concept/x.md", before, after)
	assert.Contains(t, preview, "-old body")
	assert.Contains(t, preview, "+new body")
	assert.True(t, strings.Contains(preview, "before/x.md"))
}
