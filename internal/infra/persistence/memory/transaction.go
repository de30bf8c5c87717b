package memory

import (
	"applicatorsync/pkg/domain"
	"errors"
	"fmt"
	"time"
)

type transaction struct {
	store        *Store
	state        memoryState
	changes      []Change
	pendingAudit []AuditEntry
	now          time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) FindTreatment(id string) (Treatment, bool) {
	t, ok := tx.state.treatments[id]
	if !ok {
		return Treatment{}, false
	}
	return cloneTreatment(t), true
}

func (tx *transaction) FindApplicator(id string) (Applicator, bool) {
	a, ok := tx.state.applicators[id]
	if !ok {
		return Applicator{}, false
	}
	return cloneApplicator(a), true
}

func (tx *transaction) ListApplicators(treatmentID string) []Applicator {
	return listApplicators(&tx.state, treatmentID)
}

func (tx *transaction) CreateTreatment(t Treatment) (Treatment, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.state.treatments[t.ID]; exists {
		return Treatment{}, fmt.Errorf("treatment %q already exists", t.ID)
	}
	t.Category = t.Category.Normalize()
	if t.SyncStatus == "" {
		t.SyncStatus = domain.SyncStatusSynced
	}
	t.Version = 1
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.treatments[t.ID] = cloneTreatment(t)
	tx.recordChange(Change{
		Entity: domain.EntityTreatment,
		Action: domain.ActionCreate,
		After:  mustPayload("create treatment", t),
	})
	return cloneTreatment(t), nil
}

func (tx *transaction) UpdateTreatment(id string, expectedVersion int64, mutator func(*Treatment) error) (Treatment, error) {
	current, ok := tx.state.treatments[id]
	if !ok {
		return Treatment{}, domain.ErrNotFound{Entity: domain.EntityTreatment, ID: id}
	}
	if current.Version != expectedVersion {
		return Treatment{}, domain.ErrVersionConflict{
			Entity: domain.EntityTreatment, ID: id, Expected: expectedVersion, Actual: current.Version,
		}
	}
	before := cloneTreatment(current)
	updated := cloneTreatment(current)
	if err := mutator(&updated); err != nil {
		return Treatment{}, err
	}
	updated.ID = before.ID
	updated.CreatedAt = before.CreatedAt
	updated.Category = before.Category
	updated.Version = before.Version + 1
	updated.UpdatedAt = tx.now
	tx.state.treatments[id] = cloneTreatment(updated)
	tx.recordChange(Change{
		Entity: domain.EntityTreatment,
		Action: domain.ActionUpdate,
		Before: mustPayload("update treatment before", before),
		After:  mustPayload("update treatment after", updated),
	})
	return cloneTreatment(updated), nil
}

func (tx *transaction) StampTreatmentSync(id string, stamp domain.SyncStamp) (Treatment, error) {
	current, ok := tx.state.treatments[id]
	if !ok {
		return Treatment{}, domain.ErrNotFound{Entity: domain.EntityTreatment, ID: id}
	}
	if stamp.Status != "" {
		current.SyncStatus = stamp.Status
	}
	if stamp.DeviceID != "" {
		current.DeviceID = stamp.DeviceID
	}
	if !stamp.At.IsZero() {
		at := stamp.At
		current.LastSyncedAt = &at
	}
	tx.state.treatments[id] = cloneTreatment(current)
	return cloneTreatment(current), nil
}

func (tx *transaction) CreateApplicator(a Applicator) (Applicator, error) {
	if a.TreatmentID == "" {
		return Applicator{}, errors.New("applicator requires a treatment")
	}
	if _, ok := tx.state.treatments[a.TreatmentID]; !ok {
		return Applicator{}, domain.ErrNotFound{Entity: domain.EntityTreatment, ID: a.TreatmentID}
	}
	if a.SerialNumber == "" {
		return Applicator{}, errors.New("applicator requires a serial number")
	}
	if a.Status != "" && a.Status != domain.StatusSealed {
		return Applicator{}, fmt.Errorf("applicator must be created %s, got %s", domain.StatusSealed, a.Status)
	}
	for _, existing := range tx.state.applicators {
		if existing.TreatmentID == a.TreatmentID && existing.SerialNumber == a.SerialNumber {
			return Applicator{}, fmt.Errorf("applicator serial %q already registered for treatment %s", a.SerialNumber, a.TreatmentID)
		}
	}
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.applicators[a.ID]; exists {
		return Applicator{}, fmt.Errorf("applicator %q already exists", a.ID)
	}
	a.Status = domain.StatusSealed
	a.Version = 1
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.applicators[a.ID] = cloneApplicator(a)
	tx.recordChange(Change{
		Entity: domain.EntityApplicator,
		Action: domain.ActionCreate,
		After:  mustPayload("create applicator", a),
	})
	return cloneApplicator(a), nil
}

func (tx *transaction) UpdateApplicator(id string, expectedVersion int64, mutator func(*Applicator) error) (Applicator, error) {
	current, ok := tx.state.applicators[id]
	if !ok {
		return Applicator{}, domain.ErrNotFound{Entity: domain.EntityApplicator, ID: id}
	}
	if current.Version != expectedVersion {
		return Applicator{}, domain.ErrVersionConflict{
			Entity: domain.EntityApplicator, ID: id, Expected: expectedVersion, Actual: current.Version,
		}
	}
	before := cloneApplicator(current)
	updated := cloneApplicator(current)
	if err := mutator(&updated); err != nil {
		return Applicator{}, err
	}
	updated.ID = before.ID
	updated.TreatmentID = before.TreatmentID
	updated.SerialNumber = before.SerialNumber
	updated.CreatedAt = before.CreatedAt
	updated.Version = before.Version + 1
	updated.UpdatedAt = tx.now
	tx.state.applicators[id] = cloneApplicator(updated)
	tx.recordChange(Change{
		Entity: domain.EntityApplicator,
		Action: domain.ActionUpdate,
		Before: mustPayload("update applicator before", before),
		After:  mustPayload("update applicator after", updated),
	})
	return cloneApplicator(updated), nil
}

func (tx *transaction) CreateConflict(c SyncConflict) (SyncConflict, error) {
	if c.EntityID == "" {
		return SyncConflict{}, errors.New("conflict requires an entity id")
	}
	if _, open := tx.FindOpenConflict(c.EntityType, c.EntityID); open {
		return SyncConflict{}, domain.ErrOpenConflictExists
	}
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = tx.now
	}
	c.Resolved = false
	c.ResolvedAt = nil
	tx.state.conflicts[c.ID] = cloneConflict(c)
	tx.recordChange(Change{
		Entity: domain.EntityConflict,
		Action: domain.ActionCreate,
		After:  mustPayload("create conflict", c),
	})
	return cloneConflict(c), nil
}

func (tx *transaction) FindConflict(id string) (SyncConflict, bool) {
	c, ok := tx.state.conflicts[id]
	if !ok {
		return SyncConflict{}, false
	}
	return cloneConflict(c), true
}

func (tx *transaction) FindOpenConflict(entity domain.EntityType, entityID string) (SyncConflict, bool) {
	var (
		found SyncConflict
		ok    bool
	)
	for _, c := range tx.state.conflicts {
		if c.Resolved || c.EntityType != entity || c.EntityID != entityID {
			continue
		}
		if !ok || c.DetectedAt.Before(found.DetectedAt) {
			found, ok = c, true
		}
	}
	if !ok {
		return SyncConflict{}, false
	}
	return cloneConflict(found), true
}

func (tx *transaction) ListOpenConflicts(treatmentID string) []SyncConflict {
	out := make([]SyncConflict, 0)
	for _, c := range tx.state.conflicts {
		if !c.Resolved && c.TreatmentID == treatmentID {
			out = append(out, cloneConflict(c))
		}
	}
	sortConflicts(out)
	return out
}

func (tx *transaction) CloseConflict(id string, mutator func(*SyncConflict) error) (SyncConflict, error) {
	current, ok := tx.state.conflicts[id]
	if !ok {
		return SyncConflict{}, domain.ErrNotFound{Entity: domain.EntityConflict, ID: id}
	}
	if current.Resolved {
		return SyncConflict{}, domain.ErrAlreadyResolved
	}
	before := cloneConflict(current)
	updated := cloneConflict(current)
	if err := mutator(&updated); err != nil {
		return SyncConflict{}, err
	}
	updated.ID = before.ID
	updated.EntityType = before.EntityType
	updated.EntityID = before.EntityID
	updated.DetectedAt = before.DetectedAt
	updated.Resolved = true
	if updated.ResolvedAt == nil {
		at := tx.now
		updated.ResolvedAt = &at
	}
	tx.state.conflicts[id] = cloneConflict(updated)
	tx.recordChange(Change{
		Entity: domain.EntityConflict,
		Action: domain.ActionUpdate,
		Before: mustPayload("close conflict before", before),
		After:  mustPayload("close conflict after", updated),
	})
	return cloneConflict(updated), nil
}

func (tx *transaction) LastAuditEntry() (AuditEntry, bool) {
	if n := len(tx.pendingAudit); n > 0 {
		return cloneAuditEntry(tx.pendingAudit[n-1]), true
	}
	last, ok := tx.store.audit.last()
	if !ok {
		return AuditEntry{}, false
	}
	return cloneAuditEntry(last), true
}

func (tx *transaction) AppendAuditEntry(e AuditEntry) (AuditEntry, error) {
	last, ok := tx.LastAuditEntry()
	wantSeq, wantPrev := int64(1), ""
	if ok {
		wantSeq, wantPrev = last.Sequence+1, last.RecordHash
	}
	if e.Sequence != wantSeq {
		return AuditEntry{}, fmt.Errorf("%w: audit sequence %d does not follow %d", domain.ErrIntegrity, e.Sequence, wantSeq-1)
	}
	if e.PrevHash != wantPrev {
		return AuditEntry{}, fmt.Errorf("%w: audit entry %d does not link to the previous record", domain.ErrIntegrity, e.Sequence)
	}
	if e.RecordHash == "" {
		return AuditEntry{}, fmt.Errorf("%w: audit entry %d has no record hash", domain.ErrIntegrity, e.Sequence)
	}
	if e.ID == "" {
		e.ID = tx.store.newID()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = tx.now
	}
	tx.pendingAudit = append(tx.pendingAudit, cloneAuditEntry(e))
	return cloneAuditEntry(e), nil
}

func (tx *transaction) FindAuditEntryByHash(entity domain.EntityType, entityID, contentHash string) (AuditEntry, bool) {
	if contentHash == "" {
		return AuditEntry{}, false
	}
	for i := len(tx.pendingAudit) - 1; i >= 0; i-- {
		e := tx.pendingAudit[i]
		if e.EntityType == entity && e.EntityID == entityID && e.ContentHash == contentHash {
			return cloneAuditEntry(e), true
		}
	}
	if idx, ok := tx.store.audit.byHash[entityKey(entity, entityID, contentHash)]; ok {
		return cloneAuditEntry(tx.store.audit.entries[idx]), true
	}
	return AuditEntry{}, false
}

func (tx *transaction) FindAuditEntryByChange(entity domain.EntityType, entityID, changeID string) (AuditEntry, bool) {
	if changeID == "" {
		return AuditEntry{}, false
	}
	for i := len(tx.pendingAudit) - 1; i >= 0; i-- {
		e := tx.pendingAudit[i]
		if e.EntityType == entity && e.EntityID == entityID && e.ChangeID == changeID {
			return cloneAuditEntry(e), true
		}
	}
	if idx, ok := tx.store.audit.byChange[entityKey(entity, entityID, changeID)]; ok {
		return cloneAuditEntry(tx.store.audit.entries[idx]), true
	}
	return AuditEntry{}, false
}
