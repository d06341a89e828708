// Package blobstore is a content-addressed file store keyed by SHA-256.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	ErrNotFound  = errors.New("blob not found")
	ErrIntegrity = errors.New("blob integrity check failed")
	ErrInvalidID = errors.New("invalid blob id")
)

// Blobstore keeps blobs under dir/<first two hex chars>/<hash>.
type Blobstore struct {
	dir string
}

// New creates the blob directory if needed.
func New(dir string) (*Blobstore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blobs directory: %w", err)
	}
	return &Blobstore{dir: dir}, nil
}

// Hash returns the blob ID data would be stored under.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its ID. Existing blobs are not rewritten.
func (b *Blobstore) Put(data []byte) (string, error) {
	id := Hash(data)
	path, err := b.path(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return id, nil
}

// PutReader streams r into the store without holding it in memory.
func (b *Blobstore) PutReader(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(b.dir, ".tmp-blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		return "", fmt.Errorf("failed to copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	id := hex.EncodeToString(hasher.Sum(nil))
	path, _ := b.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob subdirectory: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return id, nil
}

// Get reads a blob and verifies it still hashes to id.
func (b *Blobstore) Get(id string) ([]byte, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if got := Hash(data); got != id {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, id, got)
	}
	return data, nil
}

// GetReader opens a blob for streaming. No integrity check is done.
func (b *Blobstore) GetReader(id string) (io.ReadCloser, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

func (b *Blobstore) Exists(id string) bool {
	path, err := b.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (b *Blobstore) Delete(id string) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// path validates id as lowercase SHA-256 hex, which also rules out any
// traversal outside dir.
func (b *Blobstore) path(id string) (string, error) {
	if len(id) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return filepath.Join(b.dir, id[:2], id), nil
}
