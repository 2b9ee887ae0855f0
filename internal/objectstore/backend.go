// Package objectstore isolates the cloud object-store SDKs behind one Backend
// interface and an Adapter that turns every failure into a logged negative
// result.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by backends for a missing key.
var ErrNotFound = errors.New("object not found")

// WriterTag is stored as object metadata on every upload.
const WriterTag = "casevault"

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is implemented by each object-store driver. Delete of a missing
// key returns nil.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
}
