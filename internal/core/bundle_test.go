package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"testing"
	"time"
)

func TestDownloadBundle(t *testing.T) {
	svc := newTestService(t, WithBundleTTL(8*time.Hour))
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	a1 := seedApplicator(t, svc, treatment.ID, "S-1")
	a2 := seedApplicator(t, svc, treatment.ID, "S-2")
	bumpApplicator(t, svc, a2.ID, 2)

	bundle, _, err := svc.DownloadBundle(context.Background(), treatment.ID, "tablet-7", operator)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if bundle.Treatment.SyncStatus != domain.SyncStatusPending || bundle.Treatment.DeviceID != "tablet-7" {
		t.Fatalf("treatment not stamped: %+v", bundle.Treatment)
	}
	if len(bundle.Applicators) != 2 {
		t.Fatalf("expected two applicators, got %d", len(bundle.Applicators))
	}
	if bundle.ServerVersions[treatment.ID] != 1 || bundle.ServerVersions[a1.ID] != 1 || bundle.ServerVersions[a2.ID] != 3 {
		t.Fatalf("unexpected versions: %v", bundle.ServerVersions)
	}
	if bundle.Treatment.LastSyncedAt == nil || bundle.ExpiresAt.Sub(*bundle.Treatment.LastSyncedAt) != 8*time.Hour {
		t.Fatalf("unexpected expiry %s", bundle.ExpiresAt)
	}
	if len(bundle.OfflineLimitations) == 0 {
		t.Fatalf("expected offline limitations")
	}
	stored, _ := svc.Store().GetTreatment(treatment.ID)
	if stored.Version != treatment.Version {
		t.Fatalf("bundle stamp bumped the version to %d", stored.Version)
	}
	entries := auditFor(svc, treatment.ID)
	if len(entries) != 1 || entries[0].Operation != domain.AuditOpBundleDownload || entries[0].DeviceID != "tablet-7" || entries[0].Actor != operator.ID {
		t.Fatalf("handoff not audited: %+v", entries)
	}
}

func TestDownloadBundleErrors(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.DownloadBundle(context.Background(), "missing", "tablet-7", operator); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	if _, _, err := svc.DownloadBundle(context.Background(), treatment.ID, "", operator); err == nil {
		t.Fatalf("expected device id error")
	}
}

func TestBundleLimitationsOption(t *testing.T) {
	svc := newTestService(t, WithOfflineLimitations("read only"), WithBundleTTL(-time.Hour))
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	bundle, _, err := svc.DownloadBundle(context.Background(), treatment.ID, "tablet-1", operator)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(bundle.OfflineLimitations) != 1 || bundle.OfflineLimitations[0] != "read only" {
		t.Fatalf("unexpected limitations: %v", bundle.OfflineLimitations)
	}
	if got := bundle.ExpiresAt.Sub(*bundle.Treatment.LastSyncedAt); got != DefaultBundleTTL {
		t.Fatalf("non-positive ttl should keep default, got %s", got)
	}
}

func TestSyncAfterBundleReturnsTreatmentToSynced(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	bundle, _, err := svc.DownloadBundle(context.Background(), treatment.ID, "tablet-7", operator)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	version := bundle.ServerVersions[applicator.ID]
	syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", version, `{"status":"OPENED"}`))
	if stored, _ := svc.Store().GetTreatment(treatment.ID); stored.SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("treatment still %s", stored.SyncStatus)
	}
}
