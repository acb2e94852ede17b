package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillforge/quill/internal/types"
)

func TestBuildStandardize(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	prompt, err := r.Build(types.TaskStandardize, map[string]interface{}{
		"UserInput":  "the process plants use to turn light into sugar",
		"KnownTypes": "Entity, Concept, Process, Principle",
	}, "")
	require.NoError(t, err)
	assert.Contains(t, prompt, "turn light into sugar")
	assert.Contains(t, prompt, "Process")
	assert.Contains(t, prompt, `"title"`)
}

func TestBuildMissingSlot(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Build(types.TaskGenerate, map[string]interface{}{
		"Title": "Photosynthesis",
		"Type":  "Process",
		// Definition missing
	}, types.TypeProcess)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeTemplateSlot, types.CodeOf(err))
	assert.Contains(t, err.Error(), "Definition")
}

func TestBuildEmptySlotCountsAsMissing(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Build(types.TaskVerify, map[string]interface{}{
		"Title":   "Photosynthesis",
		"Content": "",
	}, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeTemplateSlot, types.CodeOf(err))
}

func TestBuildUnknownTaskType(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Build(types.TaskType("summarize"), map[string]interface{}{}, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeTemplateMissing, types.CodeOf(err))
}

func TestBuildMergeContent(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	prompt, err := r.Build(types.TaskMergeContent, map[string]interface{}{
		"KeptContent":    "kept note text",
		"DeletedContent": "deleted note text",
	}, types.TypeEntity)
	require.NoError(t, err)
	assert.True(t, strings.Index(prompt, "kept note text") < strings.Index(prompt, "deleted note text"),
		"kept note renders before deleted note")
	assert.Contains(t, prompt, "merged_body")
}
