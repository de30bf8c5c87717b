package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// auditRecord is the caller-supplied part of an audit entry. Sequence,
// chain hashes, identifier and timestamp are filled in by appendAudit.
type auditRecord struct {
	entity       EntityType
	entityID     string
	changeID     string
	operation    domain.AuditOperation
	outcome      domain.AuditOutcome
	actor        Actor
	deviceID     string
	offlineSince *time.Time
	offlineUntil *time.Time
	contentHash  string
	before       any
	after        any
	conflictID   string
	message      string
}

// appendAudit writes the next entry of the audit chain inside tx. A failure
// here must fail the surrounding transaction.
func (s *Service) appendAudit(tx Transaction, rec auditRecord) (AuditEntry, error) {
	before, err := snapshotJSON(rec.before)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit before snapshot: %w", err)
	}
	after, err := snapshotJSON(rec.after)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit after snapshot: %w", err)
	}
	entry := AuditEntry{
		ID:          uuid.NewString(),
		Sequence:    1,
		EntityType:  rec.entity,
		EntityID:    rec.entityID,
		ChangeID:    rec.changeID,
		Operation:   rec.operation,
		Outcome:     rec.outcome,
		Actor:       rec.actor.ID,
		DeviceID:    rec.deviceID,
		ContentHash: rec.contentHash,
		Before:      before,
		After:       after,
		ConflictID:  rec.conflictID,
		Message:     rec.message,
		RecordedAt:  s.now(),
	}
	if rec.offlineSince != nil {
		since := *rec.offlineSince
		entry.OfflineSince = &since
	}
	if rec.offlineUntil != nil {
		until := *rec.offlineUntil
		entry.OfflineUntil = &until
	}
	if last, ok := tx.LastAuditEntry(); ok {
		entry.Sequence = last.Sequence + 1
		entry.PrevHash = last.RecordHash
	}
	hash, err := recordHash(entry)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("seal audit entry: %w", err)
	}
	entry.RecordHash = hash
	stored, err := tx.AppendAuditEntry(entry)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return stored, nil
}

func snapshotJSON(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return domain.CloneRaw(val), nil
	default:
		return json.Marshal(val)
	}
}

// ListAuditEntries returns committed audit entries after the given sequence.
func (s *Service) ListAuditEntries(_ context.Context, afterSequence int64, limit int) []AuditEntry {
	return s.store.ListAuditEntries(afterSequence, limit)
}

// AuditReport summarises a chain verification pass.
type AuditReport struct {
	Entries      int    `json:"entries"`
	LastSequence int64  `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// VerifyAuditTrail recomputes every record hash and chain link. The first
// broken link is reported as an ErrIntegrity.
func (s *Service) VerifyAuditTrail(ctx context.Context) (AuditReport, error) {
	ctx, span := s.tracer.Start(ctx, "verify_audit_trail")
	start := s.now()
	report, err := verifyChain(s.store.ListAuditEntries(0, 0))
	s.metrics.Observe(ctx, "verify_audit_trail", err == nil, s.now().Sub(start))
	span.End(err)
	if err != nil {
		s.logger.Error("audit trail verification failed", "error", err)
	}
	return report, err
}

func verifyChain(entries []AuditEntry) (AuditReport, error) {
	var report AuditReport
	prevHash := ""
	for i, entry := range entries {
		want := int64(i + 1)
		if entry.Sequence != want {
			return report, fmt.Errorf("%w: expected audit sequence %d, found %d", domain.ErrIntegrity, want, entry.Sequence)
		}
		if entry.PrevHash != prevHash {
			return report, fmt.Errorf("%w: audit entry %d does not link to entry %d", domain.ErrIntegrity, entry.Sequence, entry.Sequence-1)
		}
		hash, err := recordHash(entry)
		if err != nil {
			return report, fmt.Errorf("%w: audit entry %d cannot be hashed: %v", domain.ErrIntegrity, entry.Sequence, err)
		}
		if !hashesEqual(hash, entry.RecordHash) {
			return report, fmt.Errorf("%w: audit entry %d was modified", domain.ErrIntegrity, entry.Sequence)
		}
		prevHash = entry.RecordHash
		report.Entries++
		report.LastSequence = entry.Sequence
		report.LastHash = entry.RecordHash
	}
	return report, nil
}
