// Package blobstore provides a hierarchical key/value object store.
//
// Keys are '/'-delimited strings such as "verification/<order>/<file>".
// Two drivers exist: FS (a rooted directory, optionally zstd-compressed at
// rest) and Memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotFound is returned by Get and Delete for absent keys.
	ErrNotFound = errors.New("blobstore: object not found")
	// ErrExists is returned by Create when the key is already taken.
	ErrExists = errors.New("blobstore: object already exists")
)

// Object describes one stored object as returned by List.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Store is the object-store contract the evidence engine depends on.
type Store interface {
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Get returns the object's bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes or replaces an object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Create writes an object only if the key is free, returning ErrExists
	// otherwise. Immutable records are written with Create.
	Create(ctx context.Context, key string, data []byte, contentType string) error
	// Delete removes an object or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// Open builds a Store from a driver name.
func Open(driver, root, compression string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "", "fs":
		return NewFS(root, WithCompression(compression), WithLogger(logger))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob store driver %q", driver)
	}
}
