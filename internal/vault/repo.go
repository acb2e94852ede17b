package vault

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/quillforge/quill/internal/types"
)

// Repository provides file access beneath the vault root. All mutation goes
// through WriteAtomic so a crash never leaves a half-written note.
type Repository struct {
	root   string
	scheme string
}

// NewRepository creates a repository rooted at dir. scheme is "flat" or
// "by-type" and controls canonical path derivation.
func NewRepository(dir, scheme string) *Repository {
	return &Repository{root: dir, scheme: scheme}
}

// Root returns the vault root directory.
func (r *Repository) Root() string { return r.root }

// PathForTitle derives the canonical path for a note of the given type and
// title under the configured directory scheme.
func (r *Repository) PathForTitle(t types.KnowledgeType, title string) string {
	name := SlugifyTitle(title) + ".md"
	if r.scheme == "by-type" {
		return filepath.Join(r.root, string(t), name)
	}
	return filepath.Join(r.root, name)
}

// GetFileByPath stats the path, reporting whether a file exists there.
func (r *Repository) GetFileByPath(path string) (fs.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	return info, !info.IsDir()
}

// ReadByPath reads a note file, returning E301 when absent.
func (r *Repository) ReadByPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", classifyFSError(err, path)
	}
	return string(data), nil
}

// ReadByPathIfExists reads a note file, returning ("", false, nil) when the
// file is absent so callers can distinguish absence from failure.
func (r *Repository) ReadByPathIfExists(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, classifyFSError(err, path)
	}
	return string(data), true, nil
}

// WriteAtomic writes content to path such that the file either holds the
// full new content or is untouched, even across a crash: write to a temp
// file in the same directory, fsync, then rename over the target.
func (r *Repository) WriteAtomic(path, content string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return classifyFSError(err, path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return classifyFSError(err, path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return classifyFSError(err, path)
	}
	if err := tmp.Close(); err != nil {
		return classifyFSError(err, path)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return classifyFSError(err, path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return classifyFSError(err, path)
	}
	return nil
}

// EnsureDirForPath creates the parent directory of path if needed.
func (r *Repository) EnsureDirForPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return classifyFSError(err, path)
	}
	return nil
}

// DeleteByPathIfExists removes the file at path; absence is not an error.
func (r *Repository) DeleteByPathIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return classifyFSError(err, path)
	}
	return nil
}

// ListMarkdownFiles walks the vault root and returns every .md path, sorted.
func (r *Repository) ListMarkdownFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == r.root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != r.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, classifyFSError(err, r.root)
	}
	sort.Strings(paths)
	return paths, nil
}

// FindByNodeID scans the vault for the note whose front matter carries the
// given id. Returns the path, parsed note, and raw content.
func (r *Repository) FindByNodeID(nodeID string) (string, *types.Note, string, error) {
	paths, err := r.ListMarkdownFiles()
	if err != nil {
		return "", nil, "", err
	}
	for _, path := range paths {
		content, ok, err := r.ReadByPathIfExists(path)
		if err != nil {
			return "", nil, "", err
		}
		if !ok {
			continue
		}
		note, err := ParseNote(content)
		if err != nil {
			continue // unmanaged markdown file
		}
		if note.ID == nodeID {
			return path, note, content, nil
		}
	}
	return "", nil, "", types.NewError(types.ErrCodeEntityNotFound, "no note found for node %s", nodeID)
}

// classifyFSError maps filesystem failures onto the storage error codes.
func classifyFSError(err error, path string) *types.CodedError {
	switch {
	case os.IsNotExist(err):
		return types.WrapError(types.ErrCodeFileNotFound, err, "file not found: %s", path)
	case os.IsPermission(err):
		return types.WrapError(types.ErrCodePermission, err, "permission denied: %s", path)
	case errors.Is(err, syscall.ENOSPC):
		return types.WrapError(types.ErrCodeDiskFull, err, "disk full writing %s", path)
	default:
		return types.WrapError(types.ErrCodeInternal, err, "filesystem error on %s", path)
	}
}
