// Package core defines the write-once object store contract used for audit
// archives. Backends live in sibling packages.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver names a blob backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

var (
	// ErrExists is returned when Put targets a key that already holds an object.
	ErrExists = errors.New("blob: object already exists")
	// ErrNotFound is returned when Get targets a missing key.
	ErrNotFound = errors.New("blob: object not found")
)

// Object describes a stored archive object.
type Object struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	SHA256      string            `json:"sha256,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// PutOptions carries optional attributes for a new object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is a create-only object store. Objects are never overwritten or
// deleted through this interface.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Object, error)
	Get(ctx context.Context, key string) (Object, io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Driver() Driver
}

// CleanKey normalises key and rejects absolute or escaping paths.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("blob: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("blob: absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob: key %q escapes root", key)
		}
	}
	return path.Clean(key), nil
}

// CloneMetadata copies m so callers cannot mutate stored metadata.
func CloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
