// Package auditarchive copies committed audit entries into write-once object
// storage as JSON Lines batches.
package auditarchive

import (
	"applicatorsync/internal/core"
	blobcore "applicatorsync/internal/infra/blob/core"
	"applicatorsync/pkg/domain"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBatchSize = 500
	DefaultInterval  = time.Minute
	DefaultPrefix    = "audit/"

	contentType = "application/x-ndjson"
	keyDigits   = 20
)

// Source yields committed audit entries in sequence order. *core.Service
// satisfies it.
type Source interface {
	ListAuditEntries(ctx context.Context, afterSequence int64, limit int) []core.AuditEntry
}

// Batch describes one archived object.
type Batch struct {
	Key      string    `json:"key"`
	First    int64     `json:"first_sequence"`
	Last     int64     `json:"last_sequence"`
	Entries  int       `json:"entries"`
	PrevHash string    `json:"prev_hash"`
	LastHash string    `json:"last_hash"`
	SHA256   string    `json:"sha256"`
	StoredAt time.Time `json:"stored_at"`
}

// Cursor is the archive position: the last archived sequence and its hash.
type Cursor struct {
	Sequence int64
	Hash     string
}

// Archiver periodically drains new audit entries into the object store.
type Archiver struct {
	source    Source
	store     blobcore.Store
	logger    core.Logger
	batchSize int
	interval  time.Duration
	prefix    string

	runMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithBatchSize caps entries per archived object.
func WithBatchSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithInterval sets the background polling period.
func WithInterval(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l core.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithPrefix sets the key prefix objects are written under.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		if prefix = strings.Trim(prefix, "/"); prefix != "" {
			a.prefix = prefix + "/"
		}
	}
}

// New constructs an archiver. Call Start to run it in the background or
// ArchiveOnce to drain synchronously.
func New(source Source, store blobcore.Store, opts ...Option) *Archiver {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		source:    source,
		store:     store,
		logger:    slog.New(slog.DiscardHandler),
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		prefix:    DefaultPrefix,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins archiving on the configured interval. Later calls are no-ops.
func (a *Archiver) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.loop()
	})
}

// Stop signals the archiver to halt and waits for the current pass.
func (a *Archiver) Stop(ctx context.Context) error {
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if _, err := a.ArchiveOnce(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("audit archive pass failed", "error", err)
		}
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ArchiveOnce writes every entry past the current cursor, batchSize entries
// per object, and returns the batches it stored. Each batch must continue the
// hash chain of the previous one; a gap or fork is an ErrIntegrity.
func (a *Archiver) ArchiveOnce(ctx context.Context) ([]Batch, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	cursor, err := a.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	var written []Batch
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		entries := a.source.ListAuditEntries(ctx, cursor.Sequence, a.batchSize)
		if len(entries) == 0 {
			return written, nil
		}
		if err := checkContinuity(cursor, entries); err != nil {
			return written, err
		}
		batch, err := a.put(ctx, cursor, entries)
		if errors.Is(err, blobcore.ErrExists) {
			// Another archiver stored this range first.
			next, cerr := a.Cursor(ctx)
			if cerr != nil {
				return written, cerr
			}
			if next.Sequence <= cursor.Sequence {
				return written, fmt.Errorf("audit archive object %s exists but cursor did not advance", a.key(entries[0].Sequence, entries[len(entries)-1].Sequence))
			}
			cursor = next
			continue
		}
		if err != nil {
			return written, err
		}
		a.logger.Info("audit batch archived", "key", batch.Key, "first", batch.First, "last", batch.Last)
		written = append(written, batch)
		cursor = Cursor{Sequence: batch.Last, Hash: batch.LastHash}
	}
}

func checkContinuity(cursor Cursor, entries []core.AuditEntry) error {
	prev := cursor
	for _, e := range entries {
		if e.Sequence != prev.Sequence+1 {
			return fmt.Errorf("%w: archive expected sequence %d, found %d", domain.ErrIntegrity, prev.Sequence+1, e.Sequence)
		}
		if e.PrevHash != prev.Hash {
			return fmt.Errorf("%w: audit entry %d does not link to archived entry %d", domain.ErrIntegrity, e.Sequence, prev.Sequence)
		}
		prev = Cursor{Sequence: e.Sequence, Hash: e.RecordHash}
	}
	return nil
}

func (a *Archiver) put(ctx context.Context, cursor Cursor, entries []core.AuditEntry) (Batch, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return Batch{}, fmt.Errorf("encode audit entry %d: %w", e.Sequence, err)
		}
	}
	first, last := entries[0], entries[len(entries)-1]
	batch := Batch{
		Key:      a.key(first.Sequence, last.Sequence),
		First:    first.Sequence,
		Last:     last.Sequence,
		Entries:  len(entries),
		PrevHash: cursor.Hash,
		LastHash: last.RecordHash,
	}
	obj, err := a.store.Put(ctx, batch.Key, &buf, blobcore.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"first_sequence": strconv.FormatInt(batch.First, 10),
			"last_sequence":  strconv.FormatInt(batch.Last, 10),
			"prev_hash":      batch.PrevHash,
			"last_hash":      batch.LastHash,
		},
	})
	if err != nil {
		return Batch{}, err
	}
	batch.SHA256 = obj.SHA256
	batch.StoredAt = obj.StoredAt
	return batch, nil
}

// Cursor derives the archive position from the stored object keys. The last
// hash is read back from the newest object.
func (a *Archiver) Cursor(ctx context.Context) (Cursor, error) {
	objects, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return Cursor{}, err
	}
	var newest string
	var cursor Cursor
	for _, obj := range objects {
		_, last, ok := a.parseKey(obj.Key)
		if ok && last > cursor.Sequence {
			cursor.Sequence = last
			newest = obj.Key
		}
	}
	if newest == "" {
		return Cursor{}, nil
	}
	hash, err := a.lastHash(ctx, newest)
	if err != nil {
		return Cursor{}, err
	}
	cursor.Hash = hash
	return cursor, nil
}

func (a *Archiver) lastHash(ctx context.Context, key string) (string, error) {
	obj, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if h := obj.Metadata["last_hash"]; h != "" {
		return h, nil
	}
	var last core.AuditEntry
	dec := json.NewDecoder(rc)
	for dec.More() {
		if err := dec.Decode(&last); err != nil {
			return "", fmt.Errorf("decode archived batch %s: %w", key, err)
		}
	}
	return last.RecordHash, nil
}

// ReadBatch returns the entries stored under key.
func (a *Archiver) ReadBatch(ctx context.Context, key string) ([]core.AuditEntry, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var out []core.AuditEntry
	dec := json.NewDecoder(rc)
	for dec.More() {
		var e core.AuditEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode archived batch %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *Archiver) key(first, last int64) string {
	return fmt.Sprintf("%s%0*d-%0*d.jsonl", a.prefix, keyDigits, first, keyDigits, last)
}

func (a *Archiver) parseKey(key string) (int64, int64, bool) {
	if path.Dir(key)+"/" != a.prefix {
		return 0, 0, false
	}
	name, ok := strings.CutSuffix(path.Base(key), ".jsonl")
	if !ok {
		return 0, 0, false
	}
	lo, hi, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, false
	}
	first, err1 := strconv.ParseInt(lo, 10, 64)
	last, err2 := strconv.ParseInt(hi, 10, 64)
	if err1 != nil || err2 != nil || first > last {
		return 0, 0, false
	}
	return first, last, true
}
