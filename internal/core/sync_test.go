package core

import (
	"applicatorsync/internal/infra/persistence/memory"
	"applicatorsync/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// hookStore lets a test intercept every transaction handed to the service.
type hookStore struct {
	*memory.Store
	wrap func(Transaction) Transaction
}

func (h hookStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error) {
	return h.Store.RunInTransaction(ctx, func(tx Transaction) error {
		return fn(h.wrap(tx))
	})
}

type panicTx struct {
	Transaction
	id string
}

func (p panicTx) FindApplicator(id string) (Applicator, bool) {
	if id == p.id {
		panic("storage exploded")
	}
	return p.Transaction.FindApplicator(id)
}

type failAuditTx struct{ Transaction }

func (failAuditTx) AppendAuditEntry(AuditEntry) (AuditEntry, error) {
	return AuditEntry{}, errors.New("audit volume full")
}

func applicatorChange(id, changeID string, localVersion int64, data string) OfflineChange {
	return OfflineChange{
		ChangeID:     changeID,
		EntityType:   domain.EntityApplicator,
		EntityID:     id,
		Operation:    ChangeUpdate,
		LocalVersion: localVersion,
		Data:         json.RawMessage(data),
		ChangedAt:    time.Date(2026, 2, 28, 22, 0, 0, 0, time.UTC),
	}
}

func syncOrFail(t *testing.T, svc *Service, changes ...OfflineChange) SyncReport {
	t.Helper()
	since := time.Date(2026, 2, 28, 20, 0, 0, 0, time.UTC)
	report, err := svc.SyncChanges(context.Background(), "tablet-7", operator, &since, changes)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Summary.Total != len(changes) || len(report.Results) != len(changes) {
		t.Fatalf("report does not cover the batch: %+v", report.Summary)
	}
	return report
}

func TestSyncStaleInsertedIsStatusConflict(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategorySingleStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	server := bumpApplicator(t, svc, applicator.ID, 2)
	if server.Version != 3 {
		t.Fatalf("setup: version %d", server.Version)
	}

	data := `{"status": "INSERTED"}`
	report := syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 2, data))
	res := report.Results[0]
	if res.Outcome != OutcomeConflict || res.Classification != domain.ClassificationStatusConflict || res.ConflictID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Message, "administrator") {
		t.Fatalf("message should mention escalation: %q", res.Message)
	}
	conflict, ok := svc.Store().GetConflict(res.ConflictID)
	if !ok {
		t.Fatalf("conflict not persisted")
	}
	if string(conflict.ClientData) != data {
		t.Fatalf("client data not verbatim: %s", conflict.ClientData)
	}
	var serverSide Applicator
	if err := json.Unmarshal(conflict.ServerData, &serverSide); err != nil || serverSide.Version != 3 || serverSide.Comments != "server edit 2" {
		t.Fatalf("server data not captured: %s (%v)", conflict.ServerData, err)
	}
	if !conflict.RequiresAdmin || conflict.ClientVersion != 2 || conflict.ServerVersion != 3 || conflict.ReportedBy != operator.ID || conflict.DeviceID != "tablet-7" {
		t.Fatalf("unexpected conflict record: %+v", conflict)
	}
	stored, _ := svc.Store().GetApplicator(applicator.ID)
	if stored.Status != domain.StatusSealed || stored.Version != 3 {
		t.Fatalf("client data was applied: %+v", stored)
	}
	if tr, _ := svc.Store().GetTreatment(treatment.ID); tr.SyncStatus != domain.SyncStatusConflict {
		t.Fatalf("treatment sync status %s", tr.SyncStatus)
	}
	entries := auditFor(svc, applicator.ID)
	last := entries[len(entries)-1]
	if last.Outcome != domain.AuditOutcomeConflict || last.ConflictID != res.ConflictID || last.OfflineSince == nil || last.OfflineUntil == nil {
		t.Fatalf("unexpected audit entry: %+v", last)
	}
}

func TestSyncStaleCommentIsVersionMismatch(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategorySingleStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	bumpApplicator(t, svc, applicator.ID, 2)

	report := syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 2, `{"comments":"minor note"}`))
	res := report.Results[0]
	if res.Outcome != OutcomeConflict || res.Classification != domain.ClassificationVersionMismatch {
		t.Fatalf("unexpected result: %+v", res)
	}
	conflict, _ := svc.Store().GetConflict(res.ConflictID)
	if conflict.RequiresAdmin {
		t.Fatalf("version mismatch should not require an administrator")
	}
	if report.Summary.Conflicts != 1 || report.Summary.Synced != 0 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
}

func TestSyncTreatmentUpdate(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	bumpTreatment(t, svc, treatment.ID, 4)

	change := OfflineChange{
		ChangeID:     "t-1",
		EntityType:   domain.EntityTreatment,
		EntityID:     treatment.ID,
		Operation:    ChangeUpdate,
		LocalVersion: 5,
		Data:         json.RawMessage(`{"surgeon":"Dr. Okafor","seed_quantity":72}`),
	}
	report := syncOrFail(t, svc, change)
	res := report.Results[0]
	if res.Outcome != OutcomeSynced || res.ServerVersion != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, _ := svc.Store().GetTreatment(treatment.ID)
	if stored.Version != 6 || stored.Surgeon != "Dr. Okafor" || stored.SeedQuantity != 72 || stored.PatientRef != "P-100" {
		t.Fatalf("unexpected treatment: %+v", stored)
	}
	if stored.SyncStatus != domain.SyncStatusSynced || stored.DeviceID != "tablet-7" || stored.LastSyncedAt == nil {
		t.Fatalf("sync metadata not stamped: %+v", stored)
	}
	entries := auditFor(svc, treatment.ID)
	if len(entries) != 1 || entries[0].Operation != domain.AuditOpUpdate || entries[0].ContentHash != res.ContentHash {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestSyncStaleTreatmentAlwaysEscalates(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	bumpTreatment(t, svc, treatment.ID, 1)
	change := OfflineChange{ChangeID: "t-1", EntityType: domain.EntityTreatment, EntityID: treatment.ID, LocalVersion: 1, Data: json.RawMessage(`{"notes":"typo"}`)}
	res := syncOrFail(t, svc, change).Results[0]
	if res.Outcome != OutcomeConflict || res.Classification != domain.ClassificationStatusConflict {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSyncAppliesChangeAndStampsMetadata(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategorySingleStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")

	res := syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 1, `{"status":"INSERTED","comments":"left lobe"}`)).Results[0]
	if res.Outcome != OutcomeSynced || res.ServerVersion != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, _ := svc.Store().GetApplicator(applicator.ID)
	if stored.Status != domain.StatusInserted || stored.Comments != "left lobe" || stored.Version != 2 {
		t.Fatalf("change not applied: %+v", stored)
	}
	if stored.SyncedAt == nil || stored.DeviceID != "tablet-7" || stored.OfflineOrigin || stored.InsertedAt == nil {
		t.Fatalf("sync metadata not stamped: %+v", stored)
	}
	entries := auditFor(svc, applicator.ID)
	last := entries[len(entries)-1]
	if last.Operation != domain.AuditOpStatusChange || last.Outcome != domain.AuditOutcomeSynced || last.Before == nil || last.After == nil {
		t.Fatalf("unexpected audit entry: %+v", last)
	}
}

func TestSyncSameChangeTwiceIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	change := applicatorChange(applicator.ID, "c-1", 1, `{"status":"OPENED"}`)

	first := syncOrFail(t, svc, change).Results[0]
	change.ChangedAt = change.ChangedAt.Add(time.Minute)
	second := syncOrFail(t, svc, change).Results[0]

	if first.Outcome != OutcomeSynced || second.Outcome != OutcomeSynced {
		t.Fatalf("expected synced twice: %+v / %+v", first, second)
	}
	if second.Message != MessageAlreadyProcessed || second.ContentHash != first.ContentHash {
		t.Fatalf("second attempt not reported as replay: %+v", second)
	}
	stored, _ := svc.Store().GetApplicator(applicator.ID)
	if stored.Version != 2 {
		t.Fatalf("change applied twice, version %d", stored.Version)
	}
	count := 0
	for _, e := range auditFor(svc, applicator.ID) {
		if e.ContentHash == first.ContentHash {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one audit entry for the change, got %d", count)
	}
}

func TestSyncBatchResubmissionAfterDrop(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	a1 := seedApplicator(t, svc, treatment.ID, "S-1")
	a2 := seedApplicator(t, svc, treatment.ID, "S-2")
	a3 := seedApplicator(t, svc, treatment.ID, "S-3")
	batch := []OfflineChange{
		applicatorChange(a1.ID, "c-1", 1, `{"status":"OPENED"}`),
		applicatorChange(a2.ID, "c-2", 1, `{"comments":"checked"}`),
		applicatorChange(a3.ID, "c-3", 1, `{"status":"FAULTY"}`),
	}

	// The connection drops after the first two changes were applied.
	syncOrFail(t, svc, batch[:2]...)
	auditBefore := len(svc.Store().ListAuditEntries(0, 0))

	report := syncOrFail(t, svc, batch...)
	for i, res := range report.Results[:2] {
		if res.Outcome != OutcomeSynced || res.Message != MessageAlreadyProcessed {
			t.Fatalf("change %d: expected replay, got %+v", i, res)
		}
	}
	if res := report.Results[2]; res.Outcome != OutcomeSynced || res.Message != "" {
		t.Fatalf("unprocessed change did not proceed: %+v", res)
	}
	if got := len(svc.Store().ListAuditEntries(0, 0)); got != auditBefore+1 {
		t.Fatalf("expected one new audit entry, got %d", got-auditBefore)
	}
	if report.Summary.Synced != 3 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
}

func TestSyncDeniedTransitionIsRejected(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	change := applicatorChange(applicator.ID, "c-1", 1, `{"status":"INSERTED"}`)

	res := syncOrFail(t, svc, change).Results[0]
	want := ValidateStatusTransition(domain.CategoryMultiStage, domain.StatusSealed, domain.StatusInserted).Reason
	if res.Outcome != OutcomeError || res.Message != want {
		t.Fatalf("expected verbatim denial %q, got %+v", want, res)
	}
	stored, _ := svc.Store().GetApplicator(applicator.ID)
	if stored.Status != domain.StatusSealed || stored.Version != 1 {
		t.Fatalf("denied change mutated applicator: %+v", stored)
	}
	entries := auditFor(svc, applicator.ID)
	last := entries[len(entries)-1]
	if last.Outcome != domain.AuditOutcomeRejected || last.Message != want || last.After != nil {
		t.Fatalf("unexpected rejection entry: %+v", last)
	}

	// Rejections are not cached: the same change is evaluated again.
	again := syncOrFail(t, svc, change).Results[0]
	if again.Outcome != OutcomeError || again.Message != want {
		t.Fatalf("unexpected retry result: %+v", again)
	}
}

func TestSyncNotFoundHasNoSideEffects(t *testing.T) {
	svc := newTestService(t)
	before := len(svc.Store().ListAuditEntries(0, 0))
	report := syncOrFail(t, svc,
		applicatorChange("ghost", "c-1", 1, `{"comments":"x"}`),
		OfflineChange{ChangeID: "t-1", EntityType: domain.EntityTreatment, EntityID: "ghost", LocalVersion: 1},
	)
	for _, res := range report.Results {
		if res.Outcome != OutcomeError || !strings.Contains(res.Message, "not found") {
			t.Fatalf("expected not found, got %+v", res)
		}
	}
	if after := len(svc.Store().ListAuditEntries(0, 0)); after != before {
		t.Fatalf("not-found change wrote audit entries")
	}
}

func TestSyncRejectsMalformedChanges(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	report := syncOrFail(t, svc,
		OfflineChange{ChangeID: "x-1", EntityType: "patient", EntityID: "p-1"},
		OfflineChange{ChangeID: "x-2", EntityType: domain.EntityApplicator},
		applicatorChange(applicator.ID, "x-3", 1, `{"status":`),
		applicatorChange(applicator.ID, "x-4", 1, `["not","an","object"]`),
		OfflineChange{ChangeID: "x-5", EntityType: domain.EntityTreatment, EntityID: "new", Operation: ChangeCreate, Data: json.RawMessage(`{}`)},
	)
	if report.Summary.Errors != 5 {
		t.Fatalf("expected all changes to fail: %+v", report.Results)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Version != 1 {
		t.Fatalf("malformed change mutated applicator")
	}
}

func TestSyncClientHashMismatch(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	change := applicatorChange(applicator.ID, "c-1", 1, `{"comments":"x"}`)
	change.ContentHash = strings.Repeat("0", 64)

	res := syncOrFail(t, svc, change).Results[0]
	if res.Outcome != OutcomeError || !strings.Contains(res.Message, domain.ErrIntegrity.Error()) {
		t.Fatalf("expected integrity failure, got %+v", res)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Version != 1 {
		t.Fatalf("mismatched change was applied")
	}

	hash, err := ContentHash(change)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	change.ContentHash = strings.ToUpper(hash)
	if res := syncOrFail(t, svc, change).Results[0]; res.Outcome != OutcomeSynced {
		t.Fatalf("matching client hash should sync: %+v", res)
	}
}

func TestSyncChangedPayloadForKnownChangeID(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 1, `{"comments":"first"}`))
	auditBefore := len(svc.Store().ListAuditEntries(0, 0))

	res := syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 1, `{"comments":"edited"}`)).Results[0]
	if res.Outcome != OutcomeSynced || !strings.HasPrefix(res.Message, MessageAlreadyProcessed) || !strings.Contains(res.Message, "differs") {
		t.Fatalf("expected replay of the original submission, got %+v", res)
	}
	stored, _ := svc.Store().GetApplicator(applicator.ID)
	if stored.Comments != "first" || stored.Version != 2 {
		t.Fatalf("edited payload was reprocessed: %+v", stored)
	}
	if len(svc.Store().ListAuditEntries(0, 0)) != auditBefore {
		t.Fatalf("replay wrote an audit entry")
	}
}

func TestSyncConflictReplayAndHold(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	bumpApplicator(t, svc, applicator.ID, 1)

	stale := applicatorChange(applicator.ID, "c-1", 1, `{"comments":"offline note"}`)
	first := syncOrFail(t, svc, stale).Results[0]
	if first.Outcome != OutcomeConflict {
		t.Fatalf("setup: %+v", first)
	}
	auditBefore := len(svc.Store().ListAuditEntries(0, 0))

	replay := syncOrFail(t, svc, stale).Results[0]
	if replay.Outcome != OutcomeConflict || replay.ConflictID != first.ConflictID || replay.Message != MessageAlreadyProcessed || replay.Classification != first.Classification {
		t.Fatalf("unexpected replay: %+v", replay)
	}
	if len(svc.Store().ListAuditEntries(0, 0)) != auditBefore {
		t.Fatalf("conflict replay wrote an audit entry")
	}

	// A fresh change against the current version is held behind the open conflict.
	fresh := applicatorChange(applicator.ID, "c-2", 2, `{"comments":"newer"}`)
	held := syncOrFail(t, svc, fresh).Results[0]
	if held.Outcome != OutcomeConflict || held.ConflictID != first.ConflictID {
		t.Fatalf("expected change to be held behind conflict: %+v", held)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Version != 2 || stored.Comments != "server edit 1" {
		t.Fatalf("held change was applied: %+v", stored)
	}
	if open := svc.Store().ListConflicts(true); len(open) != 1 {
		t.Fatalf("expected a single open conflict, got %d", len(open))
	}
}

func TestSyncHeldChangeAppliesAfterConflictCloses(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryMultiStage)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	bumpApplicator(t, svc, applicator.ID, 1)

	stale := applicatorChange(applicator.ID, "c-1", 1, `{"comments":"offline note"}`)
	first := syncOrFail(t, svc, stale).Results[0]
	fresh := applicatorChange(applicator.ID, "c-2", 2, `{"comments":"newer"}`)
	if held := syncOrFail(t, svc, fresh).Results[0]; held.Outcome != OutcomeConflict {
		t.Fatalf("setup: %+v", held)
	}
	if _, _, err := svc.ResolveConflict(context.Background(), first.ConflictID, domain.ResolutionServerWins, operator, false, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	res := syncOrFail(t, svc, fresh).Results[0]
	if res.Outcome != OutcomeSynced || res.ServerVersion != 3 {
		t.Fatalf("held change not applied after resolution: %+v", res)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Comments != "newer" || stored.Version != 3 {
		t.Fatalf("unexpected applicator: %+v", stored)
	}
	if again := syncOrFail(t, svc, fresh).Results[0]; again.Outcome != OutcomeSynced || again.Message != MessageAlreadyProcessed {
		t.Fatalf("applied change not recognised as replay: %+v", again)
	}

	// The change that opened the conflict still replays as that conflict.
	if replay := syncOrFail(t, svc, stale).Results[0]; replay.ConflictID != first.ConflictID || replay.Message != MessageAlreadyProcessed {
		t.Fatalf("unexpected replay of conflicting change: %+v", replay)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Version != 3 {
		t.Fatalf("replay touched the applicator: %+v", stored)
	}
}

func TestSyncCreateApplicatorOffline(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	change := OfflineChange{
		ChangeID:   "n-1",
		EntityType: domain.EntityApplicator,
		EntityID:   "app-offline-1",
		Operation:  ChangeCreate,
		Data:       json.RawMessage(`{"treatment_id":"` + treatment.ID + `","serial_number":"OFF-1","seed_quantity":4}`),
	}
	res := syncOrFail(t, svc, change).Results[0]
	if res.Outcome != OutcomeSynced || res.ServerVersion != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, ok := svc.Store().GetApplicator("app-offline-1")
	if !ok || stored.SerialNumber != "OFF-1" || stored.SeedQuantity != 4 || stored.DeviceID != "tablet-7" {
		t.Fatalf("unexpected applicator: %+v", stored)
	}

	missingTreatment := change
	missingTreatment.ChangeID, missingTreatment.EntityID = "n-2", "app-offline-2"
	missingTreatment.Data = json.RawMessage(`{"treatment_id":"nope","serial_number":"OFF-2"}`)
	if res := syncOrFail(t, svc, missingTreatment).Results[0]; res.Outcome != OutcomeError {
		t.Fatalf("expected missing treatment error: %+v", res)
	}
}

func TestSyncRecoversPanics(t *testing.T) {
	base := memory.NewStore(NewDefaultRulesEngine())
	store := hookStore{Store: base, wrap: func(tx Transaction) Transaction { return panicTx{Transaction: tx, id: "boom"} }}
	logger := &recordingLogger{}
	svc := NewService(store, WithClock(newStepClock()), WithLogger(logger))
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")

	report := syncOrFail(t, svc,
		applicatorChange("boom", "c-1", 1, `{"comments":"x"}`),
		applicatorChange(applicator.ID, "c-2", 1, `{"comments":"fine"}`),
	)
	if res := report.Results[0]; res.Outcome != OutcomeError || !strings.Contains(res.Message, "storage exploded") {
		t.Fatalf("panic not converted to error: %+v", res)
	}
	if res := report.Results[1]; res.Outcome != OutcomeSynced {
		t.Fatalf("sibling change affected by panic: %+v", res)
	}
	if !logger.has("error", "sync change panicked") {
		t.Fatalf("panic not logged")
	}
}

func TestSyncAuditFailureIsNeverSynced(t *testing.T) {
	base := memory.NewStore(NewDefaultRulesEngine())
	failing := false
	store := hookStore{Store: base, wrap: func(tx Transaction) Transaction {
		if failing {
			return failAuditTx{tx}
		}
		return tx
	}}
	svc := NewService(store, WithClock(newStepClock()))
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")

	failing = true
	res := syncOrFail(t, svc, applicatorChange(applicator.ID, "c-1", 1, `{"status":"OPENED"}`)).Results[0]
	if res.Outcome != OutcomeError || !strings.Contains(res.Message, "audit volume full") {
		t.Fatalf("expected audit failure, got %+v", res)
	}
	if stored, _ := base.GetApplicator(applicator.ID); stored.Version != 1 || stored.Status != domain.StatusSealed {
		t.Fatalf("change committed without audit entry: %+v", stored)
	}
}

func TestSyncCompletesBatchAfterCancellation(t *testing.T) {
	svc := newTestService(t)
	treatment := seedTreatment(t, svc, domain.CategoryGeneric)
	applicator := seedApplicator(t, svc, treatment.ID, "S-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.SyncChanges(ctx, "tablet-7", operator, nil, []OfflineChange{
		applicatorChange(applicator.ID, "c-1", 1, `{"comments":"x"}`),
		applicatorChange(applicator.ID, "c-2", 2, `{"comments":"y"}`),
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Summary.Synced != 2 {
		t.Fatalf("batch stopped early: %+v", report.Results)
	}
	if stored, _ := svc.Store().GetApplicator(applicator.ID); stored.Version != 3 || stored.Comments != "y" {
		t.Fatalf("unexpected applicator: %+v", stored)
	}
}

func TestSyncRequiresDeviceAndActor(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.SyncChanges(context.Background(), "", operator, nil, nil); err == nil {
		t.Fatalf("expected device id error")
	}
	if _, err := svc.SyncChanges(context.Background(), "tablet-7", Actor{}, nil, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
