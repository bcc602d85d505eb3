package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore keeps attachment bodies on the filesystem, one file per
// attachment named {guid}{extension} under the root directory.
type BlobStore struct {
	root string
}

// NewBlobStore creates the root directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating attachment root: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Path returns the on-disk path for an attachment blob.
func (b *BlobStore) Path(guid, extension string) string {
	return filepath.Join(b.root, guid+extension)
}

// Write stores the blob and returns its path.
func (b *BlobStore) Write(guid, extension string, r io.Reader) (string, error) {
	path := b.Path(guid, extension)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating attachment file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing attachment file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing attachment file: %w", err)
	}
	return path, nil
}

// Open opens a stored blob for reading.
func (b *BlobStore) Open(guid, extension string) (io.ReadCloser, error) {
	f, err := os.Open(b.Path(guid, extension))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes a stored blob. Missing files are not an error.
func (b *BlobStore) Remove(guid, extension string) error {
	err := os.Remove(b.Path(guid, extension))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
