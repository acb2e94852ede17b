package ai

import (
	"encoding/json"
	"strings"

	"github.com/quillforge/quill/internal/types"
)

// DecodeJSON extracts and decodes a JSON object from an LLM response. Models
// routinely wrap JSON in markdown fences or surround it with prose, so the
// decoder scans for the outermost object rather than requiring clean input.
func DecodeJSON[T any](raw string) (T, error) {
	var out T

	candidate := raw
	if fenced := extractFencedBlock(raw); fenced != "" {
		candidate = fenced
	}
	candidate = extractObject(candidate)
	if candidate == "" {
		return out, types.NewError(types.ErrCodeProviderCall,
			"no JSON object in response: %s", truncate(raw, 200))
	}

	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return out, types.WrapError(types.ErrCodeProviderCall, err,
			"malformed JSON in response: %s", truncate(candidate, 200))
	}
	return out, nil
}

// extractFencedBlock returns the contents of the first ```...``` block.
func extractFencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line (```json).
		if lang := strings.TrimSpace(rest[:nl]); lang == "" || !strings.ContainsAny(lang, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractObject returns the outermost {...} span, tracking nesting and
// string literals.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
