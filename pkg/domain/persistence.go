package domain

import (
	"context"
	"time"
)

// SyncStamp carries synchronisation bookkeeping written alongside entity
// data. Stamps do not count as data mutations and never bump versions.
type SyncStamp struct {
	Status   SyncStatus
	DeviceID string
	At       time.Time
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Nothing written through a transaction
// is visible until the surrounding RunInTransaction returns without error.
type Transaction interface {
	Snapshot() TransactionView
	FindTreatment(id string) (Treatment, bool)
	FindApplicator(id string) (Applicator, bool)
	ListApplicators(treatmentID string) []Applicator
	CreateTreatment(Treatment) (Treatment, error)
	// UpdateTreatment applies mutator when the stored version equals
	// expectedVersion and increments the version exactly once.
	UpdateTreatment(id string, expectedVersion int64, mutator func(*Treatment) error) (Treatment, error)
	StampTreatmentSync(id string, stamp SyncStamp) (Treatment, error)
	CreateApplicator(Applicator) (Applicator, error)
	// UpdateApplicator applies mutator when the stored version equals
	// expectedVersion and increments the version exactly once.
	UpdateApplicator(id string, expectedVersion int64, mutator func(*Applicator) error) (Applicator, error)
	CreateConflict(SyncConflict) (SyncConflict, error)
	FindConflict(id string) (SyncConflict, bool)
	FindOpenConflict(entity EntityType, entityID string) (SyncConflict, bool)
	ListOpenConflicts(treatmentID string) []SyncConflict
	// CloseConflict marks an open conflict resolved after mutator fills in
	// the resolution metadata. Closing a resolved conflict fails with
	// ErrAlreadyResolved.
	CloseConflict(id string, mutator func(*SyncConflict) error) (SyncConflict, error)
	LastAuditEntry() (OfflineAuditLogEntry, bool)
	// AppendAuditEntry stores a new entry. The entry must extend the chain:
	// its sequence follows the last entry and PrevHash equals that entry's
	// RecordHash.
	AppendAuditEntry(OfflineAuditLogEntry) (OfflineAuditLogEntry, error)
	FindAuditEntryByHash(entity EntityType, entityID, contentHash string) (OfflineAuditLogEntry, bool)
	FindAuditEntryByChange(entity EntityType, entityID, changeID string) (OfflineAuditLogEntry, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	FindTreatment(id string) (Treatment, bool)
	FindApplicator(id string) (Applicator, bool)
	ListApplicators(treatmentID string) []Applicator
	ListTreatments() []Treatment
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetTreatment(id string) (Treatment, bool)
	GetApplicator(id string) (Applicator, bool)
	ListApplicators(treatmentID string) []Applicator
	GetConflict(id string) (SyncConflict, bool)
	ListConflicts(unresolvedOnly bool) []SyncConflict
	// ListAuditEntries returns entries with a sequence greater than
	// afterSequence in sequence order, at most limit entries when limit > 0.
	ListAuditEntries(afterSequence int64, limit int) []OfflineAuditLogEntry
}
