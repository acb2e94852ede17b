// Package snapshot captures immutable copies of note content before
// destructive writes. A snapshot is written once and only ever read back to
// restore; nothing mutates it.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillforge/quill/internal/types"
)

// Manager persists snapshots as JSON files under dir.
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, err, "failed to create snapshot dir %s", dir)
	}
	return &Manager{dir: dir}, nil
}

// CreateSnapshot captures content for the note at path and returns the
// snapshot id. The caller must not proceed with a destructive write unless
// this succeeds.
func (m *Manager) CreateSnapshot(path, content, label, nodeID string) (string, error) {
	snap := types.Snapshot{
		ID:        "snap-" + uuid.New().String(),
		Path:      path,
		Content:   content,
		NodeID:    nodeID,
		Label:     label,
		CreatedAt: time.Now(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", types.WrapError(types.ErrCodeInternal, err, "failed to marshal snapshot")
	}

	// Write-once: temp then rename, so a partial snapshot file never passes
	// for a complete one.
	target := m.filePath(snap.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", classify(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", classify(err)
	}
	return snap.ID, nil
}

// GetSnapshot loads a snapshot by id.
func (m *Manager) GetSnapshot(id string) (*types.Snapshot, error) {
	data, err := os.ReadFile(m.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrCodeEntityNotFound, "snapshot %s not found", id)
		}
		return nil, classify(err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, err, "corrupt snapshot %s", id)
	}
	return &snap, nil
}

// RestoreSnapshot returns the captured path and content for id.
func (m *Manager) RestoreSnapshot(id string) (string, string, error) {
	snap, err := m.GetSnapshot(id)
	if err != nil {
		return "", "", err
	}
	return snap.Path, snap.Content, nil
}

// ListSnapshots returns all snapshots for a node, newest first. An empty
// nodeID lists everything.
func (m *Manager) ListSnapshots(nodeID string) ([]*types.Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, classify(err)
	}

	var snaps []*types.Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		snap, err := m.GetSnapshot(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // skip corrupt entries, they are diagnostic debris
		}
		if nodeID == "" || snap.NodeID == nodeID {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

func (m *Manager) filePath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func classify(err error) *types.CodedError {
	switch {
	case os.IsPermission(err):
		return types.WrapError(types.ErrCodePermission, err, "snapshot store permission error")
	default:
		return types.WrapError(types.ErrCodeInternal, err, "snapshot store error")
	}
}
