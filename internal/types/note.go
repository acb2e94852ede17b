package types

// Note is the front-matter model for one knowledge-base entry. The body is
// everything below the closing front-matter fence.
type Note struct {
	ID         string        `yaml:"id"`
	Title      string        `yaml:"title"`
	Type       KnowledgeType `yaml:"type"`
	Status     NoteStatus    `yaml:"status"`
	Definition string        `yaml:"definition,omitempty"`
	Aliases    []string      `yaml:"aliases,omitempty"`
	Parents    []string      `yaml:"parents,omitempty"`
	Tags       []string      `yaml:"tags,omitempty"`

	Body string `yaml:"-"`
}

// HasAlias reports whether the note already carries the given alias.
func (n *Note) HasAlias(alias string) bool {
	for _, a := range n.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// HasParent reports whether the note lists the given title as a parent.
func (n *Note) HasParent(title string) bool {
	for _, p := range n.Parents {
		if p == title {
			return true
		}
	}
	return false
}

// ReplaceParent rewrites every occurrence of oldTitle in the parents list to
// newTitle, deduplicating the result. Returns true if anything changed.
func (n *Note) ReplaceParent(oldTitle, newTitle string) bool {
	changed := false
	seen := make(map[string]bool, len(n.Parents))
	out := make([]string, 0, len(n.Parents))
	for _, p := range n.Parents {
		if p == oldTitle {
			p = newTitle
			changed = true
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if changed {
		n.Parents = out
	}
	return changed
}
