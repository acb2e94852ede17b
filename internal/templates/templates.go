// Package templates renders the prompt for each task type from embedded
// text/template files. Rendering fails structurally (never silently) when a
// template is unknown or a required slot is absent.
package templates

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/quillforge/quill/internal/types"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// requiredSlots names the slots each task type's template cannot render
// without. Extra slots are allowed; missing ones are an E403.
var requiredSlots = map[types.TaskType][]string{
	types.TaskStandardize:  {"UserInput", "KnownTypes"},
	types.TaskGenerate:     {"Title", "Type", "Definition"},
	types.TaskMergeContent: {"KeptContent", "DeletedContent"},
	types.TaskVerify:       {"Title", "Content"},
}

// Renderer builds prompts from the embedded template set.
type Renderer struct {
	set *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	set, err := template.ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	return &Renderer{set: set}, nil
}

// Build renders the prompt for taskType. conceptType selects a type-specific
// variant (e.g. generate_entity.tmpl) when one exists, falling back to the
// generic template.
func (r *Renderer) Build(taskType types.TaskType, slots map[string]interface{}, conceptType types.KnowledgeType) (string, error) {
	required, ok := requiredSlots[taskType]
	if !ok {
		return "", types.NewError(types.ErrCodeTemplateMissing, "no template registered for task type %q", taskType)
	}
	for _, slot := range required {
		v, present := slots[slot]
		if !present || v == nil || v == "" {
			return "", types.NewError(types.ErrCodeTemplateSlot,
				"template for %q requires slot %q", taskType, slot)
		}
	}

	name := r.pickTemplate(taskType, conceptType)
	if name == "" {
		return "", types.NewError(types.ErrCodeTemplateMissing, "template for task type %q is not loaded", taskType)
	}

	var b strings.Builder
	if err := r.set.ExecuteTemplate(&b, name, slots); err != nil {
		return "", types.WrapError(types.ErrCodeTemplateMissing, err, "failed to render %s", name)
	}
	return b.String(), nil
}

func (r *Renderer) pickTemplate(taskType types.TaskType, conceptType types.KnowledgeType) string {
	if conceptType != "" {
		variant := fmt.Sprintf("%s_%s.tmpl", taskType, strings.ToLower(string(conceptType)))
		if r.set.Lookup(variant) != nil {
			return variant
		}
	}
	generic := string(taskType) + ".tmpl"
	if r.set.Lookup(generic) != nil {
		return generic
	}
	return ""
}
