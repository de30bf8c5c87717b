package core

import (
	"applicatorsync/pkg/domain"
	"encoding/json"
	"fmt"
	"testing"
)

func TestDetectConflictMatchingVersions(t *testing.T) {
	server := ServerRecord{EntityType: domain.EntityApplicator, EntityID: "a", Version: 4, Status: domain.StatusInserted}
	if d := DetectConflict(domain.EntityApplicator, 4, server, json.RawMessage(`{"status":"DISPOSED"}`)); d.Conflict {
		t.Fatalf("equal versions must not conflict: %+v", d)
	}
}

func TestDetectConflictSignificantStatusAlwaysEscalates(t *testing.T) {
	for _, serverStatus := range domain.AllStatuses() {
		for _, clientStatus := range append(domain.AllStatuses(), "") {
			if !serverStatus.IsClinicallySignificant() && !clientStatus.IsClinicallySignificant() {
				continue
			}
			data := json.RawMessage(`{"comments":"same"}`)
			if clientStatus != "" {
				data = json.RawMessage(fmt.Sprintf(`{"comments":"same","status":%q}`, clientStatus))
			}
			server := ServerRecord{EntityType: domain.EntityApplicator, Version: 3, Status: serverStatus, Data: data}
			d := DetectConflict(domain.EntityApplicator, 2, server, data)
			if !d.Conflict || d.Classification != domain.ClassificationStatusConflict || !d.RequiresAdmin {
				t.Fatalf("server %s client %q: got %+v", serverStatus, clientStatus, d)
			}
		}
	}
}

func TestDetectConflictClassification(t *testing.T) {
	cases := []struct {
		name          string
		entity        EntityType
		serverStatus  Status
		data          string
		want          domain.ConflictClassification
		requiresAdmin bool
	}{
		{"comment only on sealed", domain.EntityApplicator, domain.StatusSealed, `{"comments":"minor note"}`, domain.ClassificationVersionMismatch, false},
		{"empty server status reads sealed", domain.EntityApplicator, "", `{"comments":"x"}`, domain.ClassificationVersionMismatch, false},
		{"opened to loaded", domain.EntityApplicator, domain.StatusOpened, `{"status":"LOADED"}`, domain.ClassificationVersionMismatch, false},
		{"client inserted", domain.EntityApplicator, domain.StatusSealed, `{"status":"INSERTED"}`, domain.ClassificationStatusConflict, true},
		{"malformed data proposes nothing", domain.EntityApplicator, domain.StatusLoaded, `[1,2]`, domain.ClassificationVersionMismatch, false},
		{"treatment always escalates", domain.EntityTreatment, "", `{"notes":"typo"}`, domain.ClassificationStatusConflict, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := ServerRecord{EntityType: tc.entity, Version: 3, Status: tc.serverStatus}
			d := DetectConflict(tc.entity, 2, server, json.RawMessage(tc.data))
			if !d.Conflict || d.Classification != tc.want || d.RequiresAdmin != tc.requiresAdmin {
				t.Fatalf("got %+v", d)
			}
		})
	}
}
