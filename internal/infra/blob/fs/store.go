// Package fs stores archive objects as files under a root directory.
package fs

import (
	"applicatorsync/internal/infra/blob/core"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metaSuffix = ".meta"

// Store implements core.Store using the local filesystem. Each object has a
// JSON sidecar (filename + ".meta") holding its content type, metadata and
// checksum.
type Store struct {
	root string
}

// New returns a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./archive"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the directory objects are written under.
func (s *Store) Root() string { return s.root }

func (s *Store) pathFor(key string) (string, string, string, error) {
	k, err := core.CleanKey(key)
	if err != nil {
		return "", "", "", err
	}
	if strings.HasSuffix(k, metaSuffix) {
		return "", "", "", fmt.Errorf("blob: key %q uses reserved suffix", key)
	}
	data := filepath.Join(s.root, filepath.FromSlash(k))
	return k, data, data + metaSuffix, nil
}

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SHA256      string            `json:"sha256"`
	Size        int64             `json:"size"`
	StoredAt    time.Time         `json:"stored_at"`
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	if err := ctx.Err(); err != nil {
		return core.Object{}, err
	}
	k, dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Object{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".upload-*")
	if err != nil {
		return core.Object{}, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Object{}, err
	}
	// Link fails when the target exists, which keeps Put create-only.
	if err := os.Link(tmpName, dataPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return core.Object{}, core.ErrExists
		}
		return core.Object{}, err
	}
	meta := metaFile{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		StoredAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return core.Object{}, err
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return core.Object{}, err
	}
	return meta.object(k), nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return core.Object{}, nil, err
	}
	k, dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return core.Object{}, nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Object{}, nil, core.ErrNotFound
		}
		return core.Object{}, nil, err
	}
	return meta.object(k), f, nil
}

// List walks the root and returns objects whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Object, error) {
	var out []core.Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			return err
		}
		out = append(out, meta.object(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func readMeta(path string) (metaFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return metaFile{}, core.ErrNotFound
		}
		return metaFile{}, err
	}
	var meta metaFile
	if err := json.Unmarshal(raw, &meta); err != nil {
		return metaFile{}, fmt.Errorf("blob: decode %s: %w", path, err)
	}
	return meta, nil
}

func (m metaFile) object(key string) core.Object {
	return core.Object{
		Key:         key,
		Size:        m.Size,
		ContentType: m.ContentType,
		SHA256:      m.SHA256,
		Metadata:    core.CloneMetadata(m.Metadata),
		StoredAt:    m.StoredAt,
	}
}
