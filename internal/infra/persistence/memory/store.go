// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments and as the transactional
// engine underneath the SQL-backed stores.
package memory

import (
	"applicatorsync/pkg/domain"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Treatment aliases domain.Treatment.
	Treatment = domain.Treatment
	// Applicator aliases domain.Applicator.
	Applicator = domain.Applicator
	// SyncConflict aliases domain.SyncConflict.
	SyncConflict = domain.SyncConflict
	// AuditEntry aliases domain.OfflineAuditLogEntry.
	AuditEntry = domain.OfflineAuditLogEntry
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

func mustPayload(label string, value any) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(value)
	if err != nil {
		panic(fmt.Errorf("memory store %s: %w", label, err))
	}
	return payload
}

// memoryState holds the mutable entity tables. Audit entries are kept out of
// it because they are append-only and never need cloning.
type memoryState struct {
	treatments  map[string]Treatment
	applicators map[string]Applicator
	conflicts   map[string]SyncConflict
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Treatments  map[string]Treatment    `json:"treatments"`
	Applicators map[string]Applicator   `json:"applicators"`
	Conflicts   map[string]SyncConflict `json:"conflicts"`
	Audit       []AuditEntry            `json:"audit"`
}

func newMemoryState() memoryState {
	return memoryState{
		treatments:  make(map[string]Treatment),
		applicators: make(map[string]Applicator),
		conflicts:   make(map[string]SyncConflict),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.treatments {
		cloned.treatments[k] = cloneTreatment(v)
	}
	for k, v := range s.applicators {
		cloned.applicators[k] = cloneApplicator(v)
	}
	for k, v := range s.conflicts {
		cloned.conflicts[k] = cloneConflict(v)
	}
	return cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneTreatment(t Treatment) Treatment {
	cp := t
	cp.LastSyncedAt = cloneTime(t.LastSyncedAt)
	return cp
}

func cloneApplicator(a Applicator) Applicator {
	cp := a
	cp.InsertedAt = cloneTime(a.InsertedAt)
	cp.SyncedAt = cloneTime(a.SyncedAt)
	return cp
}

func cloneConflict(c SyncConflict) SyncConflict {
	cp := c
	cp.ClientData = domain.CloneRaw(c.ClientData)
	cp.ServerData = domain.CloneRaw(c.ServerData)
	cp.OverwrittenData = domain.CloneRaw(c.OverwrittenData)
	cp.ResolvedAt = cloneTime(c.ResolvedAt)
	return cp
}

func cloneAuditEntry(e AuditEntry) AuditEntry {
	cp := e
	cp.Before = domain.CloneRaw(e.Before)
	cp.After = domain.CloneRaw(e.After)
	cp.OfflineSince = cloneTime(e.OfflineSince)
	cp.OfflineUntil = cloneTime(e.OfflineUntil)
	return cp
}

func entityKey(entity domain.EntityType, id, value string) string {
	return string(entity) + "\x00" + id + "\x00" + value
}

// auditLog is the committed, append-only audit ledger plus its lookup indexes.
type auditLog struct {
	entries  []AuditEntry
	byHash   map[string]int
	byChange map[string]int
}

func newAuditLog() auditLog {
	return auditLog{byHash: make(map[string]int), byChange: make(map[string]int)}
}

func (l *auditLog) append(e AuditEntry) {
	l.entries = append(l.entries, e)
	idx := len(l.entries) - 1
	// Indexes point at the most recent entry so a retried change resolves
	// to its latest outcome.
	if e.ContentHash != "" {
		l.byHash[entityKey(e.EntityType, e.EntityID, e.ContentHash)] = idx
	}
	if e.ChangeID != "" {
		l.byChange[entityKey(e.EntityType, e.EntityID, e.ChangeID)] = idx
	}
}

func (l *auditLog) last() (AuditEntry, bool) {
	if len(l.entries) == 0 {
		return AuditEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// CommitHook receives the full candidate entity state of a transaction and
// the audit entries it appended. It runs under the store lock before the
// candidate replaces the committed state; an error discards the transaction.
type CommitHook func(ctx context.Context, state Snapshot, appended []AuditEntry) error

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu       sync.RWMutex
	state    memoryState
	audit    auditLog
	engine   *RulesEngine
	nowFn    func() time.Time
	onCommit CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		audit:  newAuditLog(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.export(s.audit.entries)
}

func (st memoryState) export(audit []AuditEntry) Snapshot {
	snap := Snapshot{
		Treatments:  make(map[string]Treatment, len(st.treatments)),
		Applicators: make(map[string]Applicator, len(st.applicators)),
		Conflicts:   make(map[string]SyncConflict, len(st.conflicts)),
		Audit:       make([]AuditEntry, 0, len(audit)),
	}
	for k, v := range st.treatments {
		snap.Treatments[k] = cloneTreatment(v)
	}
	for k, v := range st.applicators {
		snap.Applicators[k] = cloneApplicator(v)
	}
	for k, v := range st.conflicts {
		snap.Conflicts[k] = cloneConflict(v)
	}
	for _, e := range audit {
		snap.Audit = append(snap.Audit, cloneAuditEntry(e))
	}
	return snap
}

// ImportState replaces the store state with the provided snapshot. Audit
// entries are re-indexed in sequence order.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for k, v := range snapshot.Treatments {
		state.treatments[k] = cloneTreatment(v)
	}
	for k, v := range snapshot.Applicators {
		state.applicators[k] = cloneApplicator(v)
	}
	for k, v := range snapshot.Conflicts {
		state.conflicts[k] = cloneConflict(v)
	}
	entries := make([]AuditEntry, 0, len(snapshot.Audit))
	for _, e := range snapshot.Audit {
		entries = append(entries, cloneAuditEntry(e))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	log := newAuditLog()
	for _, e := range entries {
		log.append(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.audit = log
}

// SetCommitHook installs hook to run before every commit. A nil hook removes
// it.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = hook
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RunInTransaction executes fn against a private copy of the state. The
// copy, and any audit entries appended through it, replace the committed
// state only when fn, every blocking rule and the commit hook succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.onCommit != nil {
		appended := make([]AuditEntry, 0, len(tx.pendingAudit))
		for _, e := range tx.pendingAudit {
			appended = append(appended, cloneAuditEntry(e))
		}
		if err := s.onCommit(ctx, tx.state.export(nil), appended); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	for _, e := range tx.pendingAudit {
		s.audit.append(e)
	}
	return result, nil
}

// View executes fn with a read-only snapshot of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// GetTreatment returns a treatment by ID.
func (s *Store) GetTreatment(id string) (Treatment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.treatments[id]
	if !ok {
		return Treatment{}, false
	}
	return cloneTreatment(t), true
}

// GetApplicator returns an applicator by ID.
func (s *Store) GetApplicator(id string) (Applicator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.applicators[id]
	if !ok {
		return Applicator{}, false
	}
	return cloneApplicator(a), true
}

// ListApplicators returns the applicators owned by a treatment ordered by
// serial number.
func (s *Store) ListApplicators(treatmentID string) []Applicator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listApplicators(&s.state, treatmentID)
}

// GetConflict returns a conflict by ID.
func (s *Store) GetConflict(id string) (SyncConflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.conflicts[id]
	if !ok {
		return SyncConflict{}, false
	}
	return cloneConflict(c), true
}

// ListConflicts returns conflicts ordered by detection time.
func (s *Store) ListConflicts(unresolvedOnly bool) []SyncConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncConflict, 0, len(s.state.conflicts))
	for _, c := range s.state.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sortConflicts(out)
	return out
}

// ListAuditEntries returns committed audit entries after the given sequence.
func (s *Store) ListAuditEntries(afterSequence int64, limit int) []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.audit.entries), func(i int) bool {
		return s.audit.entries[i].Sequence > afterSequence
	})
	end := len(s.audit.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]AuditEntry, 0, end-start)
	for _, e := range s.audit.entries[start:end] {
		out = append(out, cloneAuditEntry(e))
	}
	return out
}

func listApplicators(state *memoryState, treatmentID string) []Applicator {
	out := make([]Applicator, 0)
	for _, a := range state.applicators {
		if a.TreatmentID == treatmentID {
			out = append(out, cloneApplicator(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SerialNumber == out[j].SerialNumber {
			return out[i].ID < out[j].ID
		}
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out
}

func sortConflicts(out []SyncConflict) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) FindTreatment(id string) (Treatment, bool) {
	t, ok := v.state.treatments[id]
	if !ok {
		return Treatment{}, false
	}
	return cloneTreatment(t), true
}

func (v transactionView) FindApplicator(id string) (Applicator, bool) {
	a, ok := v.state.applicators[id]
	if !ok {
		return Applicator{}, false
	}
	return cloneApplicator(a), true
}

func (v transactionView) ListApplicators(treatmentID string) []Applicator {
	return listApplicators(v.state, treatmentID)
}

func (v transactionView) ListTreatments() []Treatment {
	out := make([]Treatment, 0, len(v.state.treatments))
	for _, t := range v.state.treatments {
		out = append(out, cloneTreatment(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
