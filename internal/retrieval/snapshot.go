package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSnapshot is returned by Snapshotter.Load when nothing was persisted yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the persisted form of a MemoryStore: records in insertion order.
type Snapshot struct {
	Dimension int      `json:"dimension"`
	Records   []Record `json:"records"`
}

// Snapshotter stores and loads whole snapshots.
type Snapshotter interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
}

// FileSnapshotter keeps the snapshot as a JSON document on disk. Writes go to
// a temporary file that is renamed into place, so readers and crashes only
// ever see a complete previous or current version.
type FileSnapshotter struct {
	path string
}

// NewFileSnapshotter creates a FileSnapshotter writing to path.
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

// Path returns the snapshot file location.
func (f *FileSnapshotter) Path() string { return f.path }

func (f *FileSnapshotter) Save(_ context.Context, snap Snapshot) error {
	if snap.Records == nil {
		snap.Records = []Record{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return writeFileAtomic(f.path, data)
}

func (f *FileSnapshotter) Load(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", f.path, err)
	}
	return snap, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vectorstore-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	success = true
	return nil
}
