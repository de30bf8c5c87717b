package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ResolveConflict closes an open conflict with the chosen resolution. The
// entity write, the conflict closure and the audit entry commit together or
// not at all.
//
// local_wins applies the client's data, validating any status move against
// the current server status unless adminOverride is set. server_wins keeps the
// server record. admin_override applies overrideData and is reserved for
// administrators. Skipping validation never lets a clinically significant
// status move along an edge its graph does not list; the status transition
// rule blocks that on every write.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, resolution domain.Resolution, actor Actor, adminOverride bool, overrideData json.RawMessage) (SyncConflict, Result, error) {
	var closed SyncConflict
	res, err := s.run(ctx, "resolve_conflict", func(tx Transaction) error {
		conflict, ok := tx.FindConflict(conflictID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityConflict, ID: conflictID}
		}
		if conflict.Resolved {
			return domain.ErrAlreadyResolved
		}
		if err := authorizeResolution(conflict, resolution, actor, adminOverride); err != nil {
			return err
		}

		var (
			before, after any
			winner        domain.ConflictSide
			overwritten   json.RawMessage
			err           error
		)
		switch resolution {
		case domain.ResolutionServerWins:
			winner = domain.SideServer
			overwritten = domain.CloneRaw(conflict.ClientData)
		case domain.ResolutionLocalWins:
			winner = domain.SideClient
			before, after, overwritten, err = s.applyResolution(tx, conflict, conflict.ClientData, !adminOverride)
		case domain.ResolutionAdminOverride:
			if len(overrideData) == 0 {
				return errors.New("admin override requires override data")
			}
			winner = domain.SideAdmin
			before, after, overwritten, err = s.applyResolution(tx, conflict, overrideData, false)
		}
		if err != nil {
			return err
		}

		resolvedAt := s.now()
		closed, err = tx.CloseConflict(conflict.ID, func(c *SyncConflict) error {
			c.Resolution = resolution
			c.Winner = winner
			c.OverwrittenData = overwritten
			c.ResolvedBy = actor.ID
			c.ResolvedAt = &resolvedAt
			return nil
		})
		if err != nil {
			return err
		}
		_, err = s.appendAudit(tx, auditRecord{
			entity:     conflict.EntityType,
			entityID:   conflict.EntityID,
			changeID:   conflict.ChangeID,
			operation:  domain.AuditOpConflictResolution,
			outcome:    domain.AuditOutcomeSynced,
			actor:      actor,
			deviceID:   conflict.DeviceID,
			before:     before,
			after:      after,
			conflictID: conflict.ID,
			message:    fmt.Sprintf("%s: %s data kept", resolution, winner),
		})
		if err != nil {
			return err
		}
		if len(tx.ListOpenConflicts(conflict.TreatmentID)) == 0 {
			if _, err := tx.StampTreatmentSync(conflict.TreatmentID, domain.SyncStamp{Status: domain.SyncStatusSynced, At: resolvedAt}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Info("conflict resolved", "conflict_id", conflictID, "resolution", resolution, "actor", actor.ID)
	}
	return closed, res, err
}

func authorizeResolution(conflict SyncConflict, resolution domain.Resolution, actor Actor, adminOverride bool) error {
	if !resolution.Valid() {
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if actor.IsAdmin() {
		return nil
	}
	switch {
	case conflict.RequiresAdmin:
		return fmt.Errorf("%w: conflict %s requires administrator resolution", domain.ErrUnauthorized, conflict.ID)
	case adminOverride || resolution == domain.ResolutionAdminOverride:
		return fmt.Errorf("%w: admin override requires administrator privilege", domain.ErrUnauthorized)
	case conflict.ReportedBy != actor.ID:
		return fmt.Errorf("%w: conflict %s was reported by another operator", domain.ErrUnauthorized, conflict.ID)
	}
	return nil
}

// applyResolution writes data onto the disputed entity with a version
// compare-and-swap and returns the before/after snapshots plus the verbatim
// server state that was overwritten.
func (s *Service) applyResolution(tx Transaction, conflict SyncConflict, data json.RawMessage, validate bool) (before, after any, overwritten json.RawMessage, err error) {
	switch conflict.EntityType {
	case domain.EntityApplicator:
		current, ok := tx.FindApplicator(conflict.EntityID)
		if !ok {
			return nil, nil, nil, domain.ErrNotFound{Entity: EntityApplicator, ID: conflict.EntityID}
		}
		patch, err := decodePatch[applicatorPatch](data)
		if err != nil {
			return nil, nil, nil, err
		}
		if requested, ok := patch.requestedStatus(); ok && validate {
			treatment, found := tx.FindTreatment(current.TreatmentID)
			if !found {
				return nil, nil, nil, domain.ErrNotFound{Entity: EntityTreatment, ID: current.TreatmentID}
			}
			from := current.EffectiveStatus()
			if err := ValidateStatusTransition(treatment.Category, from, requested).Err(treatment.Category, from, requested); err != nil {
				return nil, nil, nil, err
			}
		}
		snapshot, err := json.Marshal(current)
		if err != nil {
			return nil, nil, nil, err
		}
		now := s.now()
		updated, err := tx.UpdateApplicator(current.ID, current.Version, func(a *Applicator) error {
			patch.apply(a)
			a.SyncedAt = &now
			a.OfflineOrigin = false
			return nil
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return current, updated, snapshot, nil
	case domain.EntityTreatment:
		current, ok := tx.FindTreatment(conflict.EntityID)
		if !ok {
			return nil, nil, nil, domain.ErrNotFound{Entity: EntityTreatment, ID: conflict.EntityID}
		}
		patch, err := decodePatch[treatmentPatch](data)
		if err != nil {
			return nil, nil, nil, err
		}
		snapshot, err := json.Marshal(current)
		if err != nil {
			return nil, nil, nil, err
		}
		updated, err := tx.UpdateTreatment(current.ID, current.Version, func(t *Treatment) error {
			patch.apply(t)
			return nil
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return current, updated, snapshot, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported entity type %q", conflict.EntityType)
	}
}

// GetConflicts lists unresolved conflicts visible to actor: all of them for
// administrators, otherwise only those the actor reported.
func (s *Service) GetConflicts(_ context.Context, actor Actor) []SyncConflict {
	open := s.store.ListConflicts(true)
	if actor.IsAdmin() {
		return open
	}
	out := make([]SyncConflict, 0, len(open))
	for _, c := range open {
		if c.ReportedBy == actor.ID {
			out = append(out, c)
		}
	}
	return out
}
