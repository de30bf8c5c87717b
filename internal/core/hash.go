package core

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Hash domains keep change hashes and audit record hashes from colliding
// even when their canonical bytes happen to match.
const (
	hashDomainChange = "applicatorsync/offline-change/v1"
	hashDomainRecord = "applicatorsync/audit-record/v1"
)

func hashWithDomain(domainTag string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes raw JSON with sorted object keys, no insignificant
// whitespace and numbers kept as written, so equal documents hash equally
// regardless of how a client or a JSONB column formatted them.
func canonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type changeHashInput struct {
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	ChangeID     string          `json:"change_id"`
	Operation    ChangeOperation `json:"operation"`
	LocalVersion int64           `json:"local_version"`
	Data         json.RawMessage `json:"data"`
}

// ContentHash computes the idempotency key of an offline change. The device
// clock (ChangedAt) is excluded so a replayed change hashes identically.
func ContentHash(change OfflineChange) (string, error) {
	data, err := canonicalJSON(change.Data)
	if err != nil {
		return "", fmt.Errorf("canonicalize change data: %w", err)
	}
	payload, err := json.Marshal(changeHashInput{
		EntityType:   change.EntityType,
		EntityID:     change.EntityID,
		ChangeID:     change.ChangeID,
		Operation:    normalizeOperation(change.Operation),
		LocalVersion: change.LocalVersion,
		Data:         data,
	})
	if err != nil {
		return "", err
	}
	return hashWithDomain(hashDomainChange, payload), nil
}

// recordHash seals an audit entry. It covers every field except RecordHash
// itself, including PrevHash, which chains the entry to its predecessor.
func recordHash(entry AuditEntry) (string, error) {
	entry.RecordHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", err
	}
	return hashWithDomain(hashDomainRecord, canonical), nil
}

func normalizeOperation(op ChangeOperation) ChangeOperation {
	switch ChangeOperation(strings.ToLower(string(op))) {
	case ChangeCreate:
		return ChangeCreate
	case ChangeUpdate, ChangeStatus, "":
		return ChangeUpdate
	default:
		return op
	}
}

// hashesEqual compares hex digests case-insensitively in constant time.
func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
