package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"errors"
	"fmt"
	"time"
)

// syncContext carries the batch-level facts shared by every change.
type syncContext struct {
	deviceID     string
	actor        Actor
	offlineSince *time.Time
	offlineUntil time.Time
}

// SyncChanges reconciles a batch of offline changes in submission order.
// Each change runs in its own transaction and gets its own outcome; one
// failing change never affects its siblings. The batch always runs to the
// end: cancelling ctx does not stop it. The returned error is reserved for
// malformed batches.
func (s *Service) SyncChanges(ctx context.Context, deviceID string, actor Actor, offlineSince *time.Time, changes []OfflineChange) (SyncReport, error) {
	if deviceID == "" {
		return SyncReport{}, errors.New("sync requires a device id")
	}
	if actor.ID == "" {
		return SyncReport{}, fmt.Errorf("%w: sync requires an actor", domain.ErrUnauthorized)
	}
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "sync_changes")
	start := s.now()
	sc := syncContext{deviceID: deviceID, actor: actor, offlineSince: offlineSince, offlineUntil: start}

	report := SyncReport{DeviceID: deviceID, Results: make([]ChangeResult, 0, len(changes))}
	for _, change := range changes {
		report.add(s.syncOne(ctx, sc, change))
	}
	report.ProcessedAt = s.now()

	s.metrics.Observe(ctx, "sync_changes", report.Summary.Errors == 0, report.ProcessedAt.Sub(start))
	span.End(nil)
	s.logger.Info("sync batch processed",
		"device_id", deviceID,
		"actor", actor.ID,
		"total", report.Summary.Total,
		"synced", report.Summary.Synced,
		"conflicts", report.Summary.Conflicts,
		"errors", report.Summary.Errors,
	)
	return report, nil
}

func (s *Service) syncOne(ctx context.Context, sc syncContext, change OfflineChange) (result ChangeResult) {
	result = ChangeResult{ChangeID: change.ChangeID, EntityType: change.EntityType, EntityID: change.EntityID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync change panicked", "change_id", change.ChangeID, "entity_id", change.EntityID, "panic", r)
			result.Outcome = OutcomeError
			result.Message = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if change.EntityID == "" {
		return errorResult(result, errors.New("change has no entity id"))
	}
	if change.EntityType != domain.EntityApplicator && change.EntityType != domain.EntityTreatment {
		return errorResult(result, fmt.Errorf("unsupported entity type %q", change.EntityType))
	}
	hash, err := ContentHash(change)
	if err != nil {
		return errorResult(result, err)
	}
	result.ContentHash = hash

	_, err = s.run(ctx, "sync_change", func(tx Transaction) error {
		if replay, ok := s.replayResult(tx, change, hash, result); ok {
			result = replay
			return nil
		}
		if change.ContentHash != "" && !hashesEqual(change.ContentHash, hash) {
			return fmt.Errorf("%w: content hash %s does not match computed %s", domain.ErrIntegrity, change.ContentHash, hash)
		}
		var err error
		switch {
		case change.EntityType == domain.EntityApplicator && normalizeOperation(change.Operation) == ChangeCreate:
			result, err = s.syncCreateApplicator(tx, sc, change, result)
		case change.EntityType == domain.EntityApplicator:
			result, err = s.syncUpdateApplicator(tx, sc, change, result)
		case normalizeOperation(change.Operation) == ChangeCreate:
			err = errors.New("treatments cannot be created offline")
		default:
			result, err = s.syncUpdateTreatment(tx, sc, change, result)
		}
		return err
	})
	if err != nil {
		return errorResult(result, err)
	}
	return result
}

func errorResult(result ChangeResult, err error) ChangeResult {
	result.Outcome = OutcomeError
	result.Message = err.Error()
	result.ConflictID = ""
	result.Classification = ""
	return result
}

// replayResult short-circuits a change the server has already accepted or
// escalated. Rejected attempts, and changes that were only held behind a
// conflict that has since closed, are processed again.
func (s *Service) replayResult(tx Transaction, change OfflineChange, hash string, base ChangeResult) (ChangeResult, bool) {
	prior, ok := tx.FindAuditEntryByHash(change.EntityType, change.EntityID, hash)
	message := MessageAlreadyProcessed
	if !ok || !settled(tx, prior, change) {
		prior, ok = tx.FindAuditEntryByChange(change.EntityType, change.EntityID, change.ChangeID)
		if !ok || !settled(tx, prior, change) {
			return ChangeResult{}, false
		}
		// Same change id, different content: the original submission stands.
		s.logger.Warn("replayed change differs from original submission",
			"change_id", change.ChangeID, "entity_id", change.EntityID,
			"original_hash", prior.ContentHash, "submitted_hash", hash)
		message = MessageAlreadyProcessed + " (content differs from original submission)"
	}
	out := base
	out.Message = message
	out.ContentHash = prior.ContentHash
	switch prior.Outcome {
	case domain.AuditOutcomeConflict:
		out.Outcome = OutcomeConflict
		out.ConflictID = prior.ConflictID
		if conflict, found := tx.FindConflict(prior.ConflictID); found {
			out.Classification = conflict.Classification
		}
	default:
		out.Outcome = OutcomeSynced
	}
	return out, true
}

// settled reports whether prior is a final outcome for change. A held change
// points at another change's conflict and stays pending only while that
// conflict is open.
func settled(tx Transaction, prior AuditEntry, change OfflineChange) bool {
	switch prior.Outcome {
	case domain.AuditOutcomeRejected:
		return false
	case domain.AuditOutcomeConflict:
		conflict, found := tx.FindConflict(prior.ConflictID)
		if !found {
			return true
		}
		return !conflict.Resolved || conflict.ChangeID == change.ChangeID
	}
	return true
}

func (s *Service) syncCreateApplicator(tx Transaction, sc syncContext, change OfflineChange, result ChangeResult) (ChangeResult, error) {
	if _, exists := tx.FindApplicator(change.EntityID); exists {
		return result, fmt.Errorf("applicator %s already exists", change.EntityID)
	}
	patch, err := decodePatch[applicatorPatch](change.Data)
	if err != nil {
		return result, err
	}
	if patch.TreatmentID == nil || *patch.TreatmentID == "" {
		return result, errors.New("applicator create requires treatment_id")
	}
	if patch.SerialNumber == nil || *patch.SerialNumber == "" {
		return result, errors.New("applicator create requires serial_number")
	}
	if _, ok := tx.FindTreatment(*patch.TreatmentID); !ok {
		return result, domain.ErrNotFound{Entity: EntityTreatment, ID: *patch.TreatmentID}
	}
	now := s.now()
	applicator := Applicator{
		Base:         domain.Base{ID: change.EntityID},
		TreatmentID:  *patch.TreatmentID,
		SerialNumber: *patch.SerialNumber,
		DeviceID:     sc.deviceID,
		SyncedAt:     &now,
	}
	if status, ok := patch.requestedStatus(); ok {
		applicator.Status = status
	}
	patch.apply(&applicator)
	created, err := tx.CreateApplicator(applicator)
	if err != nil {
		return result, err
	}
	if _, err := s.appendAudit(tx, s.changeAudit(sc, change, result.ContentHash, domain.AuditOpCreate, domain.AuditOutcomeSynced, nil, created)); err != nil {
		return result, err
	}
	if err := s.markTreatmentSynced(tx, created.TreatmentID, sc); err != nil {
		return result, err
	}
	result.Outcome = OutcomeSynced
	result.ServerVersion = created.Version
	return result, nil
}

func (s *Service) syncUpdateApplicator(tx Transaction, sc syncContext, change OfflineChange, result ChangeResult) (ChangeResult, error) {
	current, ok := tx.FindApplicator(change.EntityID)
	if !ok {
		return result, domain.ErrNotFound{Entity: EntityApplicator, ID: change.EntityID}
	}
	treatment, ok := tx.FindTreatment(current.TreatmentID)
	if !ok {
		return result, domain.ErrNotFound{Entity: EntityTreatment, ID: current.TreatmentID}
	}
	patch, err := decodePatch[applicatorPatch](change.Data)
	if err != nil {
		return result, err
	}
	server, err := applicatorRecord(current)
	if err != nil {
		return result, err
	}
	if escalated, handled, err := s.escalate(tx, sc, change, treatment.ID, server, current, result); handled || err != nil {
		return escalated, err
	}

	from := current.EffectiveStatus()
	requested, hasStatus := patch.requestedStatus()
	op := domain.AuditOpUpdate
	if hasStatus && requested != from {
		op = domain.AuditOpStatusChange
	}
	if hasStatus {
		if decision := ValidateStatusTransition(treatment.Category, from, requested); !decision.Allowed {
			rejected := s.changeAudit(sc, change, result.ContentHash, op, domain.AuditOutcomeRejected, current, nil)
			rejected.message = decision.Reason
			if _, err := s.appendAudit(tx, rejected); err != nil {
				return result, err
			}
			result.Outcome = OutcomeError
			result.Message = decision.Reason
			result.ServerVersion = current.Version
			return result, nil
		}
	}

	now := s.now()
	updated, err := tx.UpdateApplicator(current.ID, current.Version, func(a *Applicator) error {
		patch.apply(a)
		if a.Status == domain.StatusInserted && from != domain.StatusInserted && a.InsertedAt == nil {
			at := now
			a.InsertedAt = &at
		}
		a.SyncedAt = &now
		a.DeviceID = sc.deviceID
		a.OfflineOrigin = false
		return nil
	})
	if err != nil {
		return result, err
	}
	if _, err := s.appendAudit(tx, s.changeAudit(sc, change, result.ContentHash, op, domain.AuditOutcomeSynced, current, updated)); err != nil {
		return result, err
	}
	if err := s.markTreatmentSynced(tx, treatment.ID, sc); err != nil {
		return result, err
	}
	result.Outcome = OutcomeSynced
	result.ServerVersion = updated.Version
	return result, nil
}

func (s *Service) syncUpdateTreatment(tx Transaction, sc syncContext, change OfflineChange, result ChangeResult) (ChangeResult, error) {
	current, ok := tx.FindTreatment(change.EntityID)
	if !ok {
		return result, domain.ErrNotFound{Entity: EntityTreatment, ID: change.EntityID}
	}
	patch, err := decodePatch[treatmentPatch](change.Data)
	if err != nil {
		return result, err
	}
	server, err := treatmentRecord(current)
	if err != nil {
		return result, err
	}
	if escalated, handled, err := s.escalate(tx, sc, change, current.ID, server, current, result); handled || err != nil {
		return escalated, err
	}
	updated, err := tx.UpdateTreatment(current.ID, current.Version, func(t *Treatment) error {
		patch.apply(t)
		return nil
	})
	if err != nil {
		return result, err
	}
	if _, err := s.appendAudit(tx, s.changeAudit(sc, change, result.ContentHash, domain.AuditOpUpdate, domain.AuditOutcomeSynced, current, updated)); err != nil {
		return result, err
	}
	if err := s.markTreatmentSynced(tx, current.ID, sc); err != nil {
		return result, err
	}
	result.Outcome = OutcomeSynced
	result.ServerVersion = updated.Version
	return result, nil
}

// escalate records a conflict when the entity is already disputed or the
// client's base version is stale. handled reports whether the change stops
// here without touching the entity.
func (s *Service) escalate(tx Transaction, sc syncContext, change OfflineChange, treatmentID string, server ServerRecord, current any, result ChangeResult) (ChangeResult, bool, error) {
	if open, ok := tx.FindOpenConflict(change.EntityType, change.EntityID); ok {
		rec := s.changeAudit(sc, change, result.ContentHash, domain.AuditOpUpdate, domain.AuditOutcomeConflict, current, change.Data)
		rec.conflictID = open.ID
		rec.message = "entity has an unresolved conflict"
		if _, err := s.appendAudit(tx, rec); err != nil {
			return result, true, err
		}
		result.Outcome = OutcomeConflict
		result.ConflictID = open.ID
		result.Classification = open.Classification
		result.Message = rec.message
		result.ServerVersion = server.Version
		return result, true, nil
	}

	detection := DetectConflict(change.EntityType, change.LocalVersion, server, change.Data)
	if !detection.Conflict {
		return result, false, nil
	}
	conflict, err := tx.CreateConflict(newConflict(change, treatmentID, server, detection, sc.actor, sc.deviceID))
	if err != nil {
		return result, true, err
	}
	if _, err := tx.StampTreatmentSync(treatmentID, domain.SyncStamp{Status: domain.SyncStatusConflict, DeviceID: sc.deviceID}); err != nil {
		return result, true, err
	}
	message := fmt.Sprintf("version %d is stale, server has %d", change.LocalVersion, server.Version)
	if detection.RequiresAdmin {
		message += "; administrator resolution required"
	}
	rec := s.changeAudit(sc, change, result.ContentHash, domain.AuditOpUpdate, domain.AuditOutcomeConflict, current, change.Data)
	rec.conflictID = conflict.ID
	rec.message = message
	if _, err := s.appendAudit(tx, rec); err != nil {
		return result, true, err
	}
	s.logger.Warn("sync conflict detected",
		"conflict_id", conflict.ID,
		"entity_type", change.EntityType,
		"entity_id", change.EntityID,
		"classification", detection.Classification,
		"client_version", change.LocalVersion,
		"server_version", server.Version,
	)
	result.Outcome = OutcomeConflict
	result.ConflictID = conflict.ID
	result.Classification = detection.Classification
	result.Message = message
	result.ServerVersion = server.Version
	return result, true, nil
}

func (s *Service) changeAudit(sc syncContext, change OfflineChange, hash string, op domain.AuditOperation, outcome domain.AuditOutcome, before, after any) auditRecord {
	until := sc.offlineUntil
	return auditRecord{
		entity:       change.EntityType,
		entityID:     change.EntityID,
		changeID:     change.ChangeID,
		operation:    op,
		outcome:      outcome,
		actor:        sc.actor,
		deviceID:     sc.deviceID,
		offlineSince: sc.offlineSince,
		offlineUntil: &until,
		contentHash:  hash,
		before:       before,
		after:        after,
	}
}

// markTreatmentSynced returns the treatment to synced unless it still has
// unresolved conflicts.
func (s *Service) markTreatmentSynced(tx Transaction, treatmentID string, sc syncContext) error {
	if len(tx.ListOpenConflicts(treatmentID)) > 0 {
		return nil
	}
	_, err := tx.StampTreatmentSync(treatmentID, domain.SyncStamp{
		Status:   domain.SyncStatusSynced,
		DeviceID: sc.deviceID,
		At:       s.now(),
	})
	return err
}
