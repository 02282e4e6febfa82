package storage

import (
	"context"
	"errors"
	"io"

	"resticserver/internal/config"
	"resticserver/internal/repo"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrInvalidRange   = errors.New("invalid byte range")
	ErrLengthMismatch = errors.New("body length mismatch")
)

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ObjectStore is the byte-level backend behind the REST protocol.
// Objects are addressed by (repository, type, name); the empty
// repository name is the default repository at the store root.
//
// Implementations must make Save atomic with respect to concurrent
// readers: a reader observes either the complete old object or the
// complete new one, never a partial write.
type ObjectStore interface {
	// Stat returns the size of an object, or ErrNotFound.
	Stat(ctx context.Context, repoName string, t repo.Type, name string) (int64, error)

	// Open returns a reader over the object's bytes plus its total
	// size. A non-negative length limits the read to [offset,
	// offset+length); length < 0 reads through the end. Ranges that
	// fall outside [0, size) fail with ErrInvalidRange.
	Open(ctx context.Context, repoName string, t repo.Type, name string, offset, length int64) (io.ReadCloser, int64, error)

	// Save replaces the object's content with the bytes read from
	// body. If expected is non-negative and the body yields a
	// different number of bytes, the save is abandoned with
	// ErrLengthMismatch and any prior content stays intact.
	Save(ctx context.Context, repoName string, t repo.Type, name string, body io.Reader, expected int64) error

	// Delete removes the object. Deleting an absent object fails
	// with ErrNotFound so repeated deletes are detectable.
	Delete(ctx context.Context, repoName string, t repo.Type, name string) error

	// List enumerates the objects of one type. Order is unspecified.
	List(ctx context.Context, repoName string, t repo.Type) ([]ObjectInfo, error)

	// CreateRepository ensures the repository layout exists. It is
	// idempotent and never disturbs existing objects.
	CreateRepository(ctx context.Context, repoName string) error

	// DeleteRepository removes the repository and everything in it,
	// or fails with ErrNotFound if it does not exist.
	DeleteRepository(ctx context.Context, repoName string) error
}

// NewFromConfig selects the backend: S3 when a bucket is configured,
// the local filesystem otherwise.
func NewFromConfig(cfg config.S3Config, rootDir string) (ObjectStore, error) {
	if cfg.Bucket == "" {
		return NewLocalStore(rootDir), nil
	}
	return NewS3Store(cfg)
}
