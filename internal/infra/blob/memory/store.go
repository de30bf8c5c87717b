// Package memory provides an in-process blob store for tests and ephemeral
// deployments.
package memory

import (
	"applicatorsync/internal/infra/blob/core"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type object struct {
	info core.Object
	data []byte
}

// Store keeps objects in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	if err := ctx.Err(); err != nil {
		return core.Object{}, err
	}
	key, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Object{}, err
	}
	sum := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return core.Object{}, core.ErrExists
	}
	info := core.Object{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: opts.ContentType,
		SHA256:      hex.EncodeToString(sum[:]),
		Metadata:    core.CloneMetadata(opts.Metadata),
		StoredAt:    s.now(),
	}
	s.objects[key] = object{info: info, data: data}
	return cloneInfo(info), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return core.Object{}, nil, err
	}
	key, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return core.Object{}, nil, core.ErrNotFound
	}
	return cloneInfo(obj.info), io.NopCloser(bytes.NewReader(obj.data)), nil
}

// List returns objects under prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]core.Object, 0, len(s.objects))
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneInfo(obj.info))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneInfo(info core.Object) core.Object {
	info.Metadata = core.CloneMetadata(info.Metadata)
	return info
}
