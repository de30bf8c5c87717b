package core

import (
	"applicatorsync/pkg/domain"
	"encoding/json"
	"time"
)

type (
	EntityType        = domain.EntityType
	Status            = domain.Status
	TreatmentCategory = domain.TreatmentCategory
	Treatment         = domain.Treatment
	Applicator        = domain.Applicator
	SyncConflict      = domain.SyncConflict
	AuditEntry        = domain.OfflineAuditLogEntry
	Actor             = domain.Actor
	Change            = domain.Change
	Result            = domain.Result
	Violation         = domain.Violation
	Rule              = domain.Rule
	RulesEngine       = domain.RulesEngine
	Transaction       = domain.Transaction
	TransactionView   = domain.TransactionView
	PersistentStore   = domain.PersistentStore
)

const (
	EntityTreatment  = domain.EntityTreatment
	EntityApplicator = domain.EntityApplicator
	EntityConflict   = domain.EntityConflict
)

// ChangeOperation is the kind of mutation a device recorded offline.
type ChangeOperation string

const (
	ChangeCreate ChangeOperation = "create"
	ChangeUpdate ChangeOperation = "update"
	// ChangeStatus is accepted as a synonym of ChangeUpdate; the audit
	// operation is derived from whether the status actually moved.
	ChangeStatus ChangeOperation = "status_change"
)

// OfflineChange is one mutation submitted by a device after reconnecting.
// ChangeID is the device's stable local identifier for the change.
type OfflineChange struct {
	ChangeID     string          `json:"change_id"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    ChangeOperation `json:"operation"`
	LocalVersion int64           `json:"local_version"`
	Data         json.RawMessage `json:"data"`
	ChangedAt    time.Time       `json:"changed_at"`
	ContentHash  string          `json:"content_hash,omitempty"`
}

// SyncOutcome is the per-change result category.
type SyncOutcome string

const (
	OutcomeSynced   SyncOutcome = "synced"
	OutcomeConflict SyncOutcome = "conflict"
	OutcomeError    SyncOutcome = "error"
)

// MessageAlreadyProcessed is surfaced for idempotent replays.
const MessageAlreadyProcessed = "already processed"

// ChangeResult reports what happened to one submitted change.
type ChangeResult struct {
	ChangeID       string                        `json:"change_id"`
	EntityType     EntityType                    `json:"entity_type"`
	EntityID       string                        `json:"entity_id"`
	Outcome        SyncOutcome                   `json:"outcome"`
	Message        string                        `json:"message,omitempty"`
	ConflictID     string                        `json:"conflict_id,omitempty"`
	Classification domain.ConflictClassification `json:"classification,omitempty"`
	ServerVersion  int64                         `json:"server_version,omitempty"`
	ContentHash    string                        `json:"content_hash,omitempty"`
}

// SyncSummary counts change results by outcome.
type SyncSummary struct {
	Total     int `json:"total"`
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// SyncReport is the complete answer to a sync batch.
type SyncReport struct {
	DeviceID    string         `json:"device_id"`
	Results     []ChangeResult `json:"results"`
	Summary     SyncSummary    `json:"summary"`
	ProcessedAt time.Time      `json:"processed_at"`
}

func (r *SyncReport) add(res ChangeResult) {
	r.Results = append(r.Results, res)
	r.Summary.Total++
	switch res.Outcome {
	case OutcomeSynced:
		r.Summary.Synced++
	case OutcomeConflict:
		r.Summary.Conflicts++
	default:
		r.Summary.Errors++
	}
}

// TransitionDecision is the validator's verdict on a requested status change.
type TransitionDecision struct {
	Allowed bool                    `json:"allowed"`
	Code    domain.TransitionDenial `json:"code,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
}

// Err converts a denial into an ErrInvalidTransition; it returns nil when the
// decision allows the transition.
func (d TransitionDecision) Err(category TreatmentCategory, from, to Status) error {
	if d.Allowed {
		return nil
	}
	return domain.ErrInvalidTransition{Category: category, From: from, To: to, Code: d.Code, Reason: d.Reason}
}

// Bundle is the snapshot handed to a device before it goes offline.
type Bundle struct {
	Treatment          Treatment        `json:"treatment"`
	Applicators        []Applicator     `json:"applicators"`
	ServerVersions     map[string]int64 `json:"server_versions"`
	ExpiresAt          time.Time        `json:"expires_at"`
	OfflineLimitations []string         `json:"offline_limitations"`
}
