package core

import (
	"applicatorsync/pkg/domain"
	"encoding/json"
)

// ServerRecord is the authoritative side of a version comparison.
type ServerRecord struct {
	EntityType EntityType
	EntityID   string
	Version    int64
	// Status is the applicator status; it is empty for treatments.
	Status Status
	Data   json.RawMessage
}

// Detection is the Conflict Detector's verdict.
type Detection struct {
	Conflict       bool
	Classification domain.ConflictClassification
	RequiresAdmin  bool
	ClientStatus   Status
	ServerStatus   Status
}

// DetectConflict compares the version a client based its change on with the
// server's current version. Any difference is a conflict. Treatment conflicts
// always need an administrator; applicator conflicts do when either side's
// status is clinically significant, and are plain version mismatches otherwise.
func DetectConflict(entity EntityType, clientVersion int64, server ServerRecord, clientData json.RawMessage) Detection {
	if clientVersion == server.Version {
		return Detection{}
	}
	d := Detection{Conflict: true, ServerStatus: server.Status}
	if entity != domain.EntityApplicator {
		d.Classification = domain.ClassificationStatusConflict
		d.RequiresAdmin = true
		return d
	}
	if status, ok := proposedStatus(entity, clientData); ok {
		d.ClientStatus = status
	}
	serverStatus := server.Status
	if serverStatus == "" {
		serverStatus = domain.StatusSealed
	}
	if serverStatus.IsClinicallySignificant() || d.ClientStatus.IsClinicallySignificant() {
		d.Classification = domain.ClassificationStatusConflict
		d.RequiresAdmin = true
		return d
	}
	d.Classification = domain.ClassificationVersionMismatch
	return d
}

func applicatorRecord(a Applicator) (ServerRecord, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return ServerRecord{}, err
	}
	return ServerRecord{
		EntityType: domain.EntityApplicator,
		EntityID:   a.ID,
		Version:    a.Version,
		Status:     a.EffectiveStatus(),
		Data:       raw,
	}, nil
}

func treatmentRecord(t Treatment) (ServerRecord, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return ServerRecord{}, err
	}
	return ServerRecord{
		EntityType: domain.EntityTreatment,
		EntityID:   t.ID,
		Version:    t.Version,
		Data:       raw,
	}, nil
}

// newConflict builds the record that captures both sides of a dispute
// verbatim.
func newConflict(change OfflineChange, treatmentID string, server ServerRecord, d Detection, actor Actor, deviceID string) SyncConflict {
	return SyncConflict{
		EntityType:     change.EntityType,
		EntityID:       change.EntityID,
		TreatmentID:    treatmentID,
		Classification: d.Classification,
		RequiresAdmin:  d.RequiresAdmin,
		ClientVersion:  change.LocalVersion,
		ServerVersion:  server.Version,
		ClientData:     domain.CloneRaw(change.Data),
		ServerData:     domain.CloneRaw(server.Data),
		ChangeID:       change.ChangeID,
		DeviceID:       deviceID,
		ReportedBy:     actor.ID,
	}
}
