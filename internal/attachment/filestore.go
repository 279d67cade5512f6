// Package attachment stores uploaded documents on disk under content-addressed
// references of the form "sha256:<hex>". Identical content always maps to the
// same reference, which is what duplicate-receipt detection relies on.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dossier/internal/application/models"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/sentinel"
)

const (
	refPrefix = "sha256:"

	// DefaultMaxBytes bounds one upload.
	DefaultMaxBytes int64 = 10 << 20
)

type FileStore struct {
	root     string
	maxBytes int64
}

type Option func(*FileStore)

func WithMaxBytes(n int64) Option {
	return func(s *FileStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// NewFileStore creates root if needed.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("attachment directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	s := &FileStore{root: root, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put streams r to disk while hashing it and returns the content reference.
// Storing content that already exists is a no-op that returns the same ref.
func (s *FileStore) Put(ctx context.Context, r io.Reader) (models.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), io.LimitReader(r, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if n == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "upload is empty")
	}
	if n > s.maxBytes {
		return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("upload exceeds %d bytes", s.maxBytes))
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	dest := s.path(digest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return models.BlobRef(refPrefix + digest), nil
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return models.BlobRef(refPrefix + digest), nil
}

// Exists reports whether ref names stored content. Malformed refs are a
// validation error.
func (s *FileStore) Exists(_ context.Context, ref models.BlobRef) (bool, error) {
	digest, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(digest))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

// Get opens the content behind ref. The caller closes the reader.
func (s *FileStore) Get(_ context.Context, ref models.BlobRef) (io.ReadCloser, error) {
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// ParseRef validates a reference and returns its hex digest.
func ParseRef(ref models.BlobRef) (string, error) {
	digest, ok := strings.CutPrefix(string(ref), refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", dErrors.New(dErrors.CodeValidation, "malformed blob reference")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", dErrors.New(dErrors.CodeValidation, "malformed blob reference")
	}
	return strings.ToLower(digest), nil
}

// path fans blobs out over 256 directories keyed by the first digest byte.
func (s *FileStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}
