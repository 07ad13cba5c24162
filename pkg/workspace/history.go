package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// maxSnapshotsPerFile bounds the per-path undo ring.
const maxSnapshotsPerFile = 50

type snapshot struct {
	path    string
	content []byte // nil means the file did not exist
	existed bool
	seq     uint64
}

// Restored describes one file an undo put back.
type Restored struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"` // whether the restored state had content
}

// UndoPayload is the canonical `undo` event payload for one undo batch.
func UndoPayload(restored []Restored) map[string]any {
	paths := make([]any, 0, len(restored))
	for _, r := range restored {
		paths = append(paths, r.Path)
	}
	return map[string]any{"restored_paths": paths, "count": len(restored)}
}

// History keeps a bounded ring of pre-change snapshots per file so the last
// edits can be undone without touching git. Save must run before the
// mutation it protects.
type History struct {
	mu      sync.Mutex
	rings   map[string][]snapshot
	nextSeq uint64
}

// NewHistory builds an empty history.
func NewHistory() *History {
	return &History{rings: make(map[string][]snapshot)}
}

// Save records the current state of path. A missing file is recorded as
// nonexistent so undo can delete what a later write created.
func (h *History) Save(path string) error {
	content, err := os.ReadFile(path)
	existed := true
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("workspace: snapshot %s: %w", path, err)
		}
		existed = false
		content = nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	ring := append(h.rings[path], snapshot{path: path, content: content, existed: existed, seq: h.nextSeq})
	if len(ring) > maxSnapshotsPerFile {
		ring = ring[len(ring)-maxSnapshotsPerFile:]
	}
	h.rings[path] = ring
	return nil
}

// Undo restores the most recent count snapshots across all files, newest
// first, consuming them. It returns what was restored, in restore order.
func (h *History) Undo(count int) ([]Restored, error) {
	if count <= 0 {
		count = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var all []snapshot
	for _, ring := range h.rings {
		all = append(all, ring...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	if count > len(all) {
		count = len(all)
	}

	var restored []Restored
	for _, snap := range all[:count] {
		if snap.existed {
			if err := os.MkdirAll(filepath.Dir(snap.path), 0o750); err != nil {
				return restored, fmt.Errorf("workspace: undo %s: %w", snap.path, err)
			}
			if err := os.WriteFile(snap.path, snap.content, 0o640); err != nil {
				return restored, fmt.Errorf("workspace: undo %s: %w", snap.path, err)
			}
		} else if err := os.Remove(snap.path); err != nil && !os.IsNotExist(err) {
			return restored, fmt.Errorf("workspace: undo %s: %w", snap.path, err)
		}
		h.dropSnapshot(snap)
		restored = append(restored, Restored{Path: snap.path, Existed: snap.existed})
	}
	return restored, nil
}

func (h *History) dropSnapshot(snap snapshot) {
	ring := h.rings[snap.path]
	for i, s := range ring {
		if s.seq == snap.seq {
			h.rings[snap.path] = append(ring[:i], ring[i+1:]...)
			break
		}
	}
	if len(h.rings[snap.path]) == 0 {
		delete(h.rings, snap.path)
	}
}

// Size is the total number of retained snapshots.
func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ring := range h.rings {
		n += len(ring)
	}
	return n
}

// Clear drops every snapshot.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings = make(map[string][]snapshot)
}
