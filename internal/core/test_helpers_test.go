package core

import (
	"applicatorsync/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var (
	operator = Actor{ID: "nurse-1", Role: domain.RoleOperator}
	other    = Actor{ID: "nurse-2", Role: domain.RoleOperator}
	admin    = Actor{ID: "physicist-1", Role: domain.RoleAdmin}
)

// stepClock advances by one second on every read so ordering stays visible.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *recordingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(newStepClock())}, opts...)
	return NewInMemoryService(nil, opts...)
}

func seedTreatment(t *testing.T, svc *Service, category TreatmentCategory) Treatment {
	t.Helper()
	treatment, _, err := svc.CreateTreatment(context.Background(), Treatment{
		Category:     category,
		Type:         "LDR prostate",
		Site:         "ward-3",
		PatientRef:   "P-100",
		SeedQuantity: 60,
	})
	if err != nil {
		t.Fatalf("create treatment: %v", err)
	}
	return treatment
}

func seedApplicator(t *testing.T, svc *Service, treatmentID, serial string) Applicator {
	t.Helper()
	applicator, _, err := svc.CreateApplicator(context.Background(), Applicator{
		TreatmentID:  treatmentID,
		SerialNumber: serial,
		SeedQuantity: 5,
	}, operator)
	if err != nil {
		t.Fatalf("create applicator: %v", err)
	}
	return applicator
}

// bumpApplicator performs n comment-only writes so the stored version grows
// without touching the status.
func bumpApplicator(t *testing.T, svc *Service, id string, n int) Applicator {
	t.Helper()
	var current Applicator
	for i := 0; i < n; i++ {
		existing, ok := svc.Store().GetApplicator(id)
		if !ok {
			t.Fatalf("applicator %s missing", id)
		}
		_, err := svc.Store().RunInTransaction(context.Background(), func(tx Transaction) error {
			var err error
			current, err = tx.UpdateApplicator(id, existing.Version, func(a *Applicator) error {
				a.Comments = fmt.Sprintf("server edit %d", i+1)
				return nil
			})
			return err
		})
		if err != nil {
			t.Fatalf("bump applicator: %v", err)
		}
	}
	return current
}

func bumpTreatment(t *testing.T, svc *Service, id string, n int) Treatment {
	t.Helper()
	var current Treatment
	for i := 0; i < n; i++ {
		existing, ok := svc.Store().GetTreatment(id)
		if !ok {
			t.Fatalf("treatment %s missing", id)
		}
		_, err := svc.Store().RunInTransaction(context.Background(), func(tx Transaction) error {
			var err error
			current, err = tx.UpdateTreatment(id, existing.Version, func(tr *Treatment) error {
				tr.Notes = fmt.Sprintf("server note %d", i+1)
				return nil
			})
			return err
		})
		if err != nil {
			t.Fatalf("bump treatment: %v", err)
		}
	}
	return current
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func auditFor(svc *Service, entityID string) []AuditEntry {
	var out []AuditEntry
	for _, e := range svc.Store().ListAuditEntries(0, 0) {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}
