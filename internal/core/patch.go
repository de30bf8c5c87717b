package core

import (
	"applicatorsync/pkg/domain"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var errDataNotObject = errors.New("change data must be a JSON object")

// applicatorPatch lists the applicator fields a device may change. Identity,
// ownership, version and sync metadata are server-controlled.
type applicatorPatch struct {
	TreatmentID  *string    `json:"treatment_id"`
	SerialNumber *string    `json:"serial_number"`
	Status       *Status    `json:"status"`
	PackageLabel *string    `json:"package_label"`
	SeedQuantity *int       `json:"seed_quantity"`
	InsertedAt   *time.Time `json:"inserted_at"`
	Comments     *string    `json:"comments"`
}

func (p applicatorPatch) requestedStatus() (Status, bool) {
	if p.Status == nil || *p.Status == "" {
		return "", false
	}
	return *p.Status, true
}

func (p applicatorPatch) apply(a *Applicator) {
	if status, ok := p.requestedStatus(); ok {
		a.Status = status
	}
	if p.PackageLabel != nil {
		a.PackageLabel = *p.PackageLabel
	}
	if p.SeedQuantity != nil {
		a.SeedQuantity = *p.SeedQuantity
	}
	if p.InsertedAt != nil {
		at := *p.InsertedAt
		a.InsertedAt = &at
	}
	if p.Comments != nil {
		a.Comments = *p.Comments
	}
}

type treatmentPatch struct {
	Type            *string  `json:"type"`
	Site            *string  `json:"site"`
	PatientRef      *string  `json:"patient_ref"`
	Surgeon         *string  `json:"surgeon"`
	SeedQuantity    *int     `json:"seed_quantity"`
	ActivityPerSeed *float64 `json:"activity_per_seed"`
	Notes           *string  `json:"notes"`
}

func (p treatmentPatch) apply(t *Treatment) {
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Site != nil {
		t.Site = *p.Site
	}
	if p.PatientRef != nil {
		t.PatientRef = *p.PatientRef
	}
	if p.Surgeon != nil {
		t.Surgeon = *p.Surgeon
	}
	if p.SeedQuantity != nil {
		t.SeedQuantity = *p.SeedQuantity
	}
	if p.ActivityPerSeed != nil {
		t.ActivityPerSeed = *p.ActivityPerSeed
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
}

func decodePatch[T any](raw json.RawMessage) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	if trimmed[0] != '{' {
		return out, errDataNotObject
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return out, fmt.Errorf("decode change data: %w", err)
	}
	return out, nil
}

// proposedStatus extracts the status a client payload asks for, if any.
// Malformed payloads propose nothing.
func proposedStatus(entity EntityType, raw json.RawMessage) (Status, bool) {
	if entity != domain.EntityApplicator {
		return "", false
	}
	patch, err := decodePatch[applicatorPatch](raw)
	if err != nil {
		return "", false
	}
	return patch.requestedStatus()
}
