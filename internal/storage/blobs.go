package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/notebook/internal/apperr"
)

// Blobs keeps raw uploads as files named by source ID.
type Blobs struct {
	root string
}

// NewBlobs creates the blob directory if needed.
func NewBlobs(root string) (*Blobs, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create blob root: %w", err)
	}
	return &Blobs{root: abs}, nil
}

// path rejects IDs that are not a single path element.
func (b *Blobs) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("storage: invalid blob id %q: %w", id, apperr.ErrInvalidInput)
	}
	return filepath.Join(b.root, id), nil
}

// Exists reports whether a blob is stored under id.
func (b *Blobs) Exists(id string) bool {
	p, err := b.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Put stores data under id: tmp file → fsync → link. The link fails when the
// blob exists, so concurrent writers of the same id cannot both succeed.
// Returns apperr.ErrAlreadyExists in that case.
func (b *Blobs) Put(id string, data []byte) error {
	abs, err := b.path(id)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.root, ".upload-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Link(tmpName, abs); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("storage: blob %s: %w", id, apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("storage: link: %w", err)
	}
	return nil
}

// Get returns the blob bytes or ErrNotFound.
func (b *Blobs) Get(id string) ([]byte, error) {
	abs, err := b.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", id, err)
	}
	return data, nil
}

// Delete removes a blob. A missing blob is not an error.
func (b *Blobs) Delete(id string) error {
	abs, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	return nil
}
