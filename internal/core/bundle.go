package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"errors"
)

func defaultOfflineLimitations() []string {
	return []string{
		"treatments cannot be created offline",
		"status changes are validated again when the device reconnects",
		"bundles expire and must be downloaded again before further offline work",
		"clinically significant status disagreements require administrator resolution",
	}
}

// DownloadBundle snapshots a treatment and its applicators for offline use.
// The treatment is stamped pending for deviceID and the handoff is audited.
func (s *Service) DownloadBundle(ctx context.Context, treatmentID, deviceID string, actor Actor) (Bundle, Result, error) {
	var bundle Bundle
	res, err := s.run(ctx, "download_bundle", func(tx Transaction) error {
		if deviceID == "" {
			return errors.New("device id is required")
		}
		treatment, ok := tx.FindTreatment(treatmentID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityTreatment, ID: treatmentID}
		}
		now := s.now()
		stamped, err := tx.StampTreatmentSync(treatmentID, domain.SyncStamp{Status: domain.SyncStatusPending, DeviceID: deviceID, At: now})
		if err != nil {
			return err
		}
		applicators := tx.ListApplicators(treatmentID)
		versions := make(map[string]int64, len(applicators)+1)
		versions[stamped.ID] = stamped.Version
		for _, a := range applicators {
			versions[a.ID] = a.Version
		}
		bundle = Bundle{
			Treatment:          stamped,
			Applicators:        applicators,
			ServerVersions:     versions,
			ExpiresAt:          now.Add(s.opts.bundleTTL),
			OfflineLimitations: append([]string(nil), s.opts.limitations...),
		}
		_, err = s.appendAudit(tx, auditRecord{
			entity:    EntityTreatment,
			entityID:  treatmentID,
			operation: domain.AuditOpBundleDownload,
			outcome:   domain.AuditOutcomeSynced,
			actor:     actor,
			deviceID:  deviceID,
			before:    treatment,
			after:     stamped,
		})
		return err
	})
	if err != nil {
		return Bundle{}, res, err
	}
	s.logger.Info("bundle downloaded", "treatment_id", treatmentID, "device_id", deviceID, "applicators", len(bundle.Applicators), "expires_at", bundle.ExpiresAt)
	return bundle, res, nil
}
