package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"n8n-studio-client/internal/model"
)

// snapshotRecord is the single named record persisted to local storage. Key
// names are shared with the web client that reads the same shape.
type snapshotRecord struct {
	Sessions        []*model.Session `json:"sessions"`
	ActiveSessionId string           `json:"activeSessionId"`
}

// SnapshotFile persists the full store state as one JSON document. Writes go
// through a temp file and rename so a crash cannot leave a half-written
// record behind.
type SnapshotFile struct {
	path string
}

func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Load reads the record. A missing file returns (nil, nil); a corrupted file
// returns an error the store maps to the empty initial state.
func (f *SnapshotFile) Load() (*snapshotRecord, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &rec, nil
}

func (f *SnapshotFile) Save(rec *snapshotRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
