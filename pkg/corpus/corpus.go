// Package corpus holds the protected-record roster: the entities whose
// data the gateway exists to guard. The roster is loaded once at startup,
// validated, and shared across all sessions as an immutable snapshot.
// Reloads swap the whole snapshot atomically; nothing mutates in place.
package corpus

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ProtectedRecord is one protected entity: identity, verification secrets,
// and the sensitive fields the output gate must keep from leaking.
// Read-only for the lifetime of a snapshot.
type ProtectedRecord struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	CardLast4 string  `yaml:"card_last4"` // First verification secret
	Postcode  string  `yaml:"postcode"`   // Second verification secret
	Address   string  `yaml:"address"`
	Balance   float64 `yaml:"balance"`
	Email     string  `yaml:"email"`
	Phone     string  `yaml:"phone"`

	// Optional precomputed embedding of the sensitive fields. When empty,
	// the leak gate embeds SensitiveSummary() at startup instead.
	Embedding []float32 `yaml:"embedding,omitempty"`
}

// Surname returns the final component of the display name, used by the
// input gate's name detector.
func (r *ProtectedRecord) Surname() string {
	parts := strings.Fields(r.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// SensitiveSummary renders the record's sensitive fields as one text blob.
// This is what gets embedded and compared against outbound drafts.
func (r *ProtectedRecord) SensitiveSummary() string {
	return fmt.Sprintf("%s lives at %s, postcode %s, account balance %.2f, email %s, phone %s",
		r.Name, r.Address, r.Postcode, r.Balance, r.Email, r.Phone)
}

// LoadError is fatal at startup: the gateway must never serve traffic
// with a partially loaded roster.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("corpus load failed: %v", e.Err)
	}
	return fmt.Sprintf("corpus load failed (%s): %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Snapshot is an immutable view of the roster. Share freely across
// sessions; never mutate after construction.
type Snapshot struct {
	records []ProtectedRecord
	byID    map[string]*ProtectedRecord
}

// NewSnapshot validates the given records and builds an immutable snapshot.
func NewSnapshot(records []ProtectedRecord) (*Snapshot, error) {
	if len(records) == 0 {
		return nil, &LoadError{Err: fmt.Errorf("roster is empty")}
	}

	snap := &Snapshot{
		records: records,
		byID:    make(map[string]*ProtectedRecord, len(records)),
	}
	for i := range records {
		r := &records[i]
		switch {
		case r.ID == "":
			return nil, &LoadError{Err: fmt.Errorf("record %d has no id", i)}
		case r.Name == "":
			return nil, &LoadError{Err: fmt.Errorf("record %s has no display name", r.ID)}
		case r.CardLast4 == "" || r.Postcode == "":
			return nil, &LoadError{Err: fmt.Errorf("record %s is missing verification secrets", r.ID)}
		}
		if _, dup := snap.byID[r.ID]; dup {
			return nil, &LoadError{Err: fmt.Errorf("duplicate record id %s", r.ID)}
		}
		snap.byID[r.ID] = r
	}
	return snap, nil
}

// Records returns all records in the snapshot. Callers must treat the
// slice as read-only.
func (s *Snapshot) Records() []ProtectedRecord {
	return s.records
}

// ByID returns the record with the given id, or nil.
func (s *Snapshot) ByID(id string) *ProtectedRecord {
	return s.byID[id]
}

// FindBySecrets returns the record whose two verification secrets both
// match, or nil. Comparison trims whitespace and ignores postcode case.
func (s *Snapshot) FindBySecrets(cardLast4, postcode string) *ProtectedRecord {
	last4 := strings.TrimSpace(cardLast4)
	pc := strings.ToUpper(strings.TrimSpace(postcode))
	for i := range s.records {
		r := &s.records[i]
		if r.CardLast4 == last4 && strings.ToUpper(r.Postcode) == pc {
			return r
		}
	}
	return nil
}

// Count returns the number of records in the snapshot.
func (s *Snapshot) Count() int {
	return len(s.records)
}

// Load reads the roster from a YAML file, or returns the built-in roster
// when path is empty.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		return NewSnapshot(defaultRoster())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var file struct {
		Records []ProtectedRecord `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	snap, err := NewSnapshot(file.Records)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Path = path
		}
		return nil, err
	}
	return snap, nil
}

// Store publishes the current snapshot. Reload replaces the snapshot
// atomically; readers mid-turn keep the snapshot they started with.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store holding the given snapshot.
func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(snap *Snapshot) {
	s.current.Store(snap)
}

// defaultRoster is the built-in demo roster used when no corpus file is
// configured.
func defaultRoster() []ProtectedRecord {
	return []ProtectedRecord{
		{
			ID:        "CUST-001",
			Name:      "John Doe",
			CardLast4: "2356",
			Postcode:  "SW1A 1AA",
			Address:   "4 Whitehall Place, London",
			Balance:   5432.18,
			Email:     "john.doe@email.com",
			Phone:     "555-0123",
		},
		{
			ID:        "CUST-002",
			Name:      "Jane Smith",
			CardLast4: "7891",
			Postcode:  "NW1 6XE",
			Address:   "221B Baker Street, London",
			Balance:   15234.10,
			Email:     "jane.smith@email.com",
			Phone:     "555-0456",
		},
		{
			ID:        "CUST-003",
			Name:      "Emma Clarke",
			CardLast4: "4402",
			Postcode:  "M1 4BT",
			Address:   "88 Canal Street, Manchester",
			Balance:   842.77,
			Email:     "emma.clarke@email.com",
			Phone:     "555-0789",
		},
	}
}
