package guard

import (
	"github.com/securebank-labs/bastion/pkg/corpus"
)

// Result is the input gate's classification verdict with its evidence.
// It is data, not an error: a blocked turn is a normal outcome.
type Result struct {
	Blocked    bool         `json:"blocked"`
	Signatures []*Signature `json:"-"`
	RecordIDs  []string     `json:"record_ids,omitempty"`
}

// SignatureNames returns the identifiers of all matched signatures, for
// audit metadata.
func (r *Result) SignatureNames() []string {
	names := make([]string, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		names = append(names, s.Name)
	}
	return names
}

// Categories returns the distinct categories of all matched signatures.
func (r *Result) Categories() []Category {
	var cats []Category
	seen := make(map[Category]bool)
	for _, s := range r.Signatures {
		if !seen[s.Category] {
			seen[s.Category] = true
			cats = append(cats, s.Category)
		}
	}
	return cats
}

// Gate composes the normalizer, signature registry, and name detector
// into a single pass/block decision.
type Gate struct {
	registry *Registry
	roster   *corpus.Store
}

// NewGate creates an input gate over the given signature registry and
// roster store.
func NewGate(registry *Registry, roster *corpus.Store) *Gate {
	return &Gate{registry: registry, roster: roster}
}

// Evaluate classifies raw input text. Signatures are matched against both
// the normalized and the raw form (union of evidence); names are matched
// against the raw form only. The decision is a plain boolean OR across
// the signals: any evidence blocks. No scoring, no partial credit; the
// target is zero false negatives on known attack shapes.
//
// Evaluate cannot fail at runtime. A malformed signature table is a
// startup error, not a per-request condition.
func (g *Gate) Evaluate(rawText string) Result {
	normalized := Normalize(rawText)

	matches := g.registry.MatchAll(normalized)
	seen := make(map[*Signature]bool, len(matches))
	for _, s := range matches {
		seen[s] = true
	}
	for _, s := range g.registry.MatchAll(rawText) {
		if !seen[s] {
			seen[s] = true
			matches = append(matches, s)
		}
	}

	recordIDs := DetectNames(rawText, g.roster.Current())

	return Result{
		Blocked:    len(matches) > 0 || len(recordIDs) > 0,
		Signatures: matches,
		RecordIDs:  recordIDs,
	}
}
