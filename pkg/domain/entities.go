// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by applicatorsync.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, conflicts and
// audit entries.
const (
	// EntityTreatment identifies a treatment record.
	EntityTreatment EntityType = "treatment"
	// EntityApplicator identifies an applicator record.
	EntityApplicator EntityType = "applicator"
	// EntityConflict identifies a sync conflict record.
	EntityConflict EntityType = "sync_conflict"
)

// TreatmentCategory selects the applicator transition graph used for a
// treatment. It is resolved once when the treatment is created and stored.
type TreatmentCategory string

// Canonical treatment categories.
const (
	// CategoryMultiStage covers implant workflows where applicators are
	// opened and loaded before insertion.
	CategoryMultiStage TreatmentCategory = "multi_stage"
	// CategorySingleStage covers workflows where sealed applicators are
	// inserted directly.
	CategorySingleStage TreatmentCategory = "single_stage"
	// CategoryGeneric is the fallback for unclassified treatments.
	CategoryGeneric TreatmentCategory = "generic"
)

// Normalize maps unknown or empty categories onto CategoryGeneric.
func (c TreatmentCategory) Normalize() TreatmentCategory {
	switch c {
	case CategoryMultiStage, CategorySingleStage, CategoryGeneric:
		return c
	default:
		return CategoryGeneric
	}
}

// SyncStatus tracks where a treatment stands relative to offline devices.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Treatment owns a set of applicators and carries its own version counter.
type Treatment struct {
	Base
	Category        TreatmentCategory `json:"category"`
	Type            string            `json:"type"`
	Site            string            `json:"site"`
	PatientRef      string            `json:"patient_ref"`
	Surgeon         string            `json:"surgeon"`
	SeedQuantity    int               `json:"seed_quantity"`
	ActivityPerSeed float64           `json:"activity_per_seed"`
	Notes           string            `json:"notes"`
	Version         int64             `json:"version"`
	SyncStatus      SyncStatus        `json:"sync_status"`
	DeviceID        string            `json:"device_id,omitempty"`
	LastSyncedAt    *time.Time        `json:"last_synced_at,omitempty"`
}

// Applicator is a physical treatment-delivery unit tracked through its
// handling lifecycle.
type Applicator struct {
	Base
	SerialNumber  string     `json:"serial_number"`
	TreatmentID   string     `json:"treatment_id"`
	Status        Status     `json:"status"`
	PackageLabel  string     `json:"package_label,omitempty"`
	SeedQuantity  int        `json:"seed_quantity"`
	InsertedAt    *time.Time `json:"inserted_at,omitempty"`
	Comments      string     `json:"comments"`
	Version       int64      `json:"version"`
	OfflineOrigin bool       `json:"offline_origin"`
	DeviceID      string     `json:"device_id,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// EffectiveStatus returns the applicator status, treating an absent status
// as StatusSealed.
func (a Applicator) EffectiveStatus() Status {
	if a.Status == "" {
		return StatusSealed
	}
	return a.Status
}

// ConflictClassification describes how severe a detected sync conflict is.
type ConflictClassification string

const (
	// ClassificationVersionMismatch is surfaced but may be resolved by the
	// reporting operator.
	ClassificationVersionMismatch ConflictClassification = "version_mismatch"
	// ClassificationStatusConflict mandates administrator resolution.
	ClassificationStatusConflict ConflictClassification = "status_conflict"
)

// Resolution is the operator-selected way of closing a conflict.
type Resolution string

const (
	ResolutionLocalWins     Resolution = "local_wins"
	ResolutionServerWins    Resolution = "server_wins"
	ResolutionAdminOverride Resolution = "admin_override"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionAdminOverride:
		return true
	}
	return false
}

// ConflictSide names the side whose data survived a resolution.
type ConflictSide string

const (
	SideClient ConflictSide = "client"
	SideServer ConflictSide = "server"
	SideAdmin  ConflictSide = "admin"
)

// SyncConflict records one disagreement between a device and the server.
// Conflicts are closed, never deleted.
type SyncConflict struct {
	ID              string                 `json:"id"`
	EntityType      EntityType             `json:"entity_type"`
	EntityID        string                 `json:"entity_id"`
	TreatmentID     string                 `json:"treatment_id"`
	Classification  ConflictClassification `json:"classification"`
	RequiresAdmin   bool                   `json:"requires_admin"`
	ClientVersion   int64                  `json:"client_version"`
	ServerVersion   int64                  `json:"server_version"`
	ClientData      json.RawMessage        `json:"client_data"`
	ServerData      json.RawMessage        `json:"server_data"`
	ChangeID        string                 `json:"change_id,omitempty"`
	DeviceID        string                 `json:"device_id,omitempty"`
	ReportedBy      string                 `json:"reported_by"`
	DetectedAt      time.Time              `json:"detected_at"`
	Resolved        bool                   `json:"resolved"`
	Resolution      Resolution             `json:"resolution,omitempty"`
	Winner          ConflictSide           `json:"winner,omitempty"`
	OverwrittenData json.RawMessage        `json:"overwritten_data,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
}

// AuditOperation identifies what kind of event an audit entry captures.
type AuditOperation string

const (
	AuditOpCreate             AuditOperation = "create"
	AuditOpUpdate             AuditOperation = "update"
	AuditOpStatusChange       AuditOperation = "status_change"
	AuditOpBundleDownload     AuditOperation = "bundle_download"
	AuditOpConflictResolution AuditOperation = "conflict_resolution"
)

// AuditOutcome records whether the audited change was accepted.
type AuditOutcome string

const (
	AuditOutcomeSynced   AuditOutcome = "synced"
	AuditOutcomeConflict AuditOutcome = "conflict"
	AuditOutcomeRejected AuditOutcome = "rejected"
)

// OfflineAuditLogEntry is a write-once record of an accepted or rejected
// change. Entries form a hash chain through PrevHash and RecordHash.
type OfflineAuditLogEntry struct {
	ID           string          `json:"id"`
	Sequence     int64           `json:"sequence"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	ChangeID     string          `json:"change_id,omitempty"`
	Operation    AuditOperation  `json:"operation"`
	Outcome      AuditOutcome    `json:"outcome"`
	Actor        string          `json:"actor"`
	DeviceID     string          `json:"device_id,omitempty"`
	OfflineSince *time.Time      `json:"offline_since,omitempty"`
	OfflineUntil *time.Time      `json:"offline_until,omitempty"`
	ContentHash  string          `json:"content_hash"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	ConflictID   string          `json:"conflict_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`
	PrevHash     string          `json:"prev_hash"`
	RecordHash   string          `json:"record_hash"`
}

// Role is the privilege level of an actor.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Actor identifies who performed an operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor holds administrator privilege.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Change describes a mutation applied within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
}

// Action enumerates change operations.
type Action string

// Supported change actions. Records are never deleted.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from rule evaluation.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
