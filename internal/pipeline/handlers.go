package pipeline

import (
	"context"
	"strings"

	"github.com/quillforge/quill/internal/ai"
	"github.com/quillforge/quill/internal/types"
	"github.com/quillforge/quill/internal/vault"
)

// chat renders the prompt for the task type and runs one completion with the
// current provider settings.
func (o *Orchestrator) chat(ctx context.Context, taskType types.TaskType, slots map[string]interface{}, conceptType types.KnowledgeType) (string, error) {
	prompt, err := o.deps.Prompts.Build(taskType, slots, conceptType)
	if err != nil {
		return "", err
	}
	cfg := o.deps.Settings.GetSettings()
	res, err := o.deps.Client.Chat(ctx, ai.ChatRequest{
		Prompt:      prompt,
		Model:       cfg.ChatModel,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// handleStandardize turns raw user input into canonical note metadata.
func (o *Orchestrator) handleStandardize(ctx context.Context, task *types.Task) (interface{}, error) {
	payload, ok := task.Payload.(types.StandardizePayload)
	if !ok {
		return nil, types.NewError(types.ErrCodeInternal, "standardize task %s has payload %T", task.ID, task.Payload)
	}

	raw, err := o.chat(ctx, types.TaskStandardize, map[string]interface{}{
		"UserInput":  payload.UserInput,
		"KnownTypes": knownTypes(),
	}, "")
	if err != nil {
		return nil, err
	}

	data, err := ai.DecodeJSON[types.StandardizedData](raw)
	if err != nil {
		return nil, err
	}
	// A model that answers with an unusable title or an unknown type bucket
	// may do better on a retry, so these classify as provider failures.
	if err := vault.ValidateTitle(data.Title); err != nil {
		return nil, types.WrapError(types.ErrCodeProviderCall, err, "model returned unusable title %q", data.Title)
	}
	if !types.ValidKnowledgeType(data.Type) {
		return nil, types.NewError(types.ErrCodeProviderCall, "model returned unknown type %q", data.Type)
	}
	return &data, nil
}

// handleGenerate produces full note body content from standardized metadata.
func (o *Orchestrator) handleGenerate(ctx context.Context, task *types.Task) (interface{}, error) {
	payload, ok := task.Payload.(types.GeneratePayload)
	if !ok {
		return nil, types.NewError(types.ErrCodeInternal, "generate task %s has payload %T", task.ID, task.Payload)
	}

	s := payload.Standardized
	slots := map[string]interface{}{
		"Title":      s.Title,
		"Type":       string(s.Type),
		"Definition": s.Definition,
	}
	if len(s.Tags) > 0 {
		slots["Tags"] = strings.Join(s.Tags, ", ")
	}
	if len(s.Parents) > 0 {
		slots["Parents"] = strings.Join(s.Parents, ", ")
	}

	content, err := o.chat(ctx, types.TaskGenerate, slots, s.Type)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, types.NewError(types.ErrCodeProviderCall, "model returned empty content for %q", s.Title)
	}
	return content, nil
}

// handleMergeContent merges two near-duplicate notes into one document.
func (o *Orchestrator) handleMergeContent(ctx context.Context, task *types.Task) (interface{}, error) {
	payload, ok := task.Payload.(types.MergeContentPayload)
	if !ok {
		return nil, types.NewError(types.ErrCodeInternal, "merge task %s has payload %T", task.ID, task.Payload)
	}

	raw, err := o.chat(ctx, types.TaskMergeContent, map[string]interface{}{
		"KeptContent":    payload.KeptContent,
		"DeletedContent": payload.DeletedContent,
	}, payload.Type)
	if err != nil {
		return nil, err
	}

	data, err := ai.DecodeJSON[types.MergedData](raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(data.MergedName) == "" || strings.TrimSpace(data.MergedBody) == "" {
		return nil, types.NewError(types.ErrCodeProviderCall, "model returned incomplete merge result")
	}
	return &data, nil
}

// handleVerify fact-checks a written note.
func (o *Orchestrator) handleVerify(ctx context.Context, task *types.Task) (interface{}, error) {
	payload, ok := task.Payload.(types.VerifyPayload)
	if !ok {
		return nil, types.NewError(types.ErrCodeInternal, "verify task %s has payload %T", task.ID, task.Payload)
	}

	raw, err := o.chat(ctx, types.TaskVerify, map[string]interface{}{
		"Title":   payload.Title,
		"Content": payload.Content,
	}, payload.Type)
	if err != nil {
		return nil, err
	}

	data, err := ai.DecodeJSON[types.VerificationData](raw)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func knownTypes() string {
	return strings.Join([]string{
		string(types.TypeEntity),
		string(types.TypeConcept),
		string(types.TypeProcess),
		string(types.TypePrinciple),
	}, ", ")
}
