// Package storage provides the workspace file store interface and the
// local filesystem implementation.
package storage

import (
	"context"
	"errors"

	"github.com/fruitsalade/orchard/pkg/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the interface for workspace file storage backends.
// Paths are logical workspace paths ("/src/main.go"), already cleaned
// by the caller. Lock discipline is enforced above this layer; a Store
// only guarantees that sequential writes to one path apply in order
// and that a returned Write is durable.
type Store interface {
	// Exists reports whether a document exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Read returns the full content of a document.
	// Returns ErrNotFound if the document does not exist.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write persists content, creating missing parent directories.
	Write(ctx context.Context, path string, content []byte) error

	// BuildTree scans the backend and returns a full tree snapshot
	// with children sorted by name.
	BuildTree(ctx context.Context) (*models.FileNode, error)
}
