package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/filex"
)

// Checkpoint is the durable sync cursor plus the mailbox identity captured at
// auth time. Fields are alphabetical so the marshaled document is stable; the
// same shape is mirrored into the object store under state/state.json.
type Checkpoint struct {
	AuthedAt         int64  `json:"authedAt,omitempty"`
	EmailAddress     string `json:"emailAddress,omitempty"`
	FullScanComplete bool   `json:"fullScanComplete"`
	HistoryID        string `json:"historyId,omitempty"`
	LastRunAt        int64  `json:"lastRunAt,omitempty"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// IsZero reports whether the checkpoint carries no state yet.
func (c Checkpoint) IsZero() bool { return c == Checkpoint{} }

// CheckpointFile reads and patch-writes the checkpoint document of a state
// directory.
type CheckpointFile struct {
	path string
	now  func() time.Time
}

// NewCheckpointFile binds a CheckpointFile to dir.
func NewCheckpointFile(dir string) *CheckpointFile {
	return &CheckpointFile{path: filepath.Join(dir, "state.json"), now: time.Now}
}

// Load returns the current checkpoint; a missing file yields a zero value.
func (c *CheckpointFile) Load() (Checkpoint, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Patch loads the checkpoint, applies fn, stamps updatedAt, and writes the
// result back atomically. It returns the document as stored.
func (c *CheckpointFile) Patch(fn func(*Checkpoint)) (Checkpoint, error) {
	cp, err := c.Load()
	if err != nil {
		return Checkpoint{}, err
	}
	fn(&cp)
	cp.UpdatedAt = c.now().Unix()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return Checkpoint{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := filex.WriteFileAtomic(c.path, data, 0o600); err != nil {
		return Checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}
	return cp, nil
}
