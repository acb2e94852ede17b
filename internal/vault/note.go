// Package vault is the note repository: front-matter (de)serialization,
// canonical path derivation, and crash-safe file writes beneath the
// orchestrators.
package vault

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quillforge/quill/internal/types"
)

const frontMatterFence = "---"

// ParseNote splits a markdown document into its YAML front matter and body.
func ParseNote(content string) (*types.Note, error) {
	rest, ok := strings.CutPrefix(content, frontMatterFence+"\n")
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidInput, "note has no front matter")
	}
	head, body, ok := strings.Cut(rest, "\n"+frontMatterFence)
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidInput, "note front matter is not terminated")
	}

	var note types.Note
	if err := yaml.Unmarshal([]byte(head), &note); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidInput, err, "invalid front matter")
	}
	if note.ID == "" {
		return nil, types.NewError(types.ErrCodeInvalidInput, "note front matter is missing an id")
	}
	note.Body = strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n")
	return &note, nil
}

// RenderNote serializes a note back to a markdown document with YAML front
// matter. The inverse of ParseNote up to YAML formatting.
func RenderNote(note *types.Note) (string, error) {
	head, err := yaml.Marshal(note)
	if err != nil {
		return "", types.WrapError(types.ErrCodeInternal, err, "failed to marshal front matter")
	}

	var b strings.Builder
	b.WriteString(frontMatterFence + "\n")
	b.Write(head)
	b.WriteString(frontMatterFence + "\n")
	if note.Body != "" {
		b.WriteString("\n")
		b.WriteString(note.Body)
		if !strings.HasSuffix(note.Body, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// RenderStub renders the front-matter-only checkpoint written after the
// tagging step, before full content exists.
func RenderStub(nodeID string, data *types.StandardizedData) (string, error) {
	note := &types.Note{
		ID:         nodeID,
		Title:      data.Title,
		Type:       data.Type,
		Status:     types.StatusStub,
		Definition: data.Definition,
		Aliases:    data.Aliases,
		Parents:    data.Parents,
		Tags:       data.Tags,
	}
	return RenderNote(note)
}

// SlugifyTitle converts a note title into a filesystem-safe file stem.
func SlugifyTitle(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ValidateTitle rejects titles that cannot become a canonical path.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return types.NewError(types.ErrCodeInvalidInput, "title is empty")
	}
	if SlugifyTitle(title) == "" {
		return types.NewError(types.ErrCodeInvalidInput, "title %q has no path-safe characters", title)
	}
	if strings.ContainsAny(title, "/\\") {
		return types.NewError(types.ErrCodeInvalidInput, "title %q contains path separators", title)
	}
	return nil
}
