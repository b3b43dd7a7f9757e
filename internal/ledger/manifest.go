package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestFileName is the archive entry that carries the manifest.
const ManifestFileName = "index.json"

// SourceKind tags where an evidence file's bytes came from.
type SourceKind string

const (
	SourceBlob      SourceKind = "blob"
	SourceRecord    SourceKind = "record"
	SourceGenerated SourceKind = "generated"
)

// Source describes how to re-derive a file at verification time.
//   - blob: Key is the blob-store key that was fetched.
//   - record: Category names the record query, Param its lookup value and
//     Format the serialization ("json" or "csv").
//   - generated: nothing durable to re-derive from.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Key      string     `json:"key,omitempty"`
	Category string     `json:"category,omitempty"`
	Param    string     `json:"param,omitempty"`
	Format   string     `json:"format,omitempty"`
}

// Manifest is the authoritative record of one export.
type Manifest struct {
	OrderID        string             `json:"order_id"`
	ExportID       string             `json:"export_id,omitempty"`
	GeneratedAt    time.Time          `json:"generated_at"`
	Files          []string           `json:"files"`
	SHA256         map[string]*string `json:"sha256"`
	Sources        map[string]Source  `json:"sources,omitempty"`
	ChainOfCustody []CustodyEntry     `json:"chain_of_custody"`
}

// UnmarshalJSON also accepts manifests keyed by subject_id instead of order_id.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type plain Manifest
	aux := struct {
		*plain
		SubjectID string `json:"subject_id"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.OrderID == "" {
		m.OrderID = aux.SubjectID
	}
	return nil
}

// Validate checks the structural invariants of a manifest.
func (m *Manifest) Validate() error {
	if m.OrderID == "" {
		return fmt.Errorf("manifest has no order id")
	}
	seen := make(map[string]bool, len(m.Files))
	for _, name := range m.Files {
		if name == "" {
			return fmt.Errorf("manifest lists an empty file name")
		}
		if seen[name] {
			return fmt.Errorf("manifest lists %s twice", name)
		}
		seen[name] = true
		if _, ok := m.SHA256[name]; !ok {
			return fmt.Errorf("manifest has no digest entry for %s", name)
		}
		if sum := m.SHA256[name]; sum != nil {
			if err := ValidDigest(*sum); err != nil {
				return fmt.Errorf("digest for %s: %w", name, err)
			}
		}
	}
	return nil
}

// Encode renders the manifest the way it is archived and persisted.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses manifest bytes.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}
