package guard

import (
	"strings"

	"github.com/securebank-labs/bastion/pkg/corpus"
)

// DetectNames scans raw text for protected-record names: the full display
// name or the trailing name component alone. Matching runs on the
// unnormalized lowercase text; the normalizer's digit substitutions would
// manufacture spurious hits against short common words.
//
// Surname-only matching is deliberately high recall. "Smith" in benign
// text flags CUST-002, and that is the correct failure direction for this
// gate: a false positive only tightens filtering on an ambiguous request.
func DetectNames(rawText string, snap *corpus.Snapshot) []string {
	lower := strings.ToLower(rawText)

	var matched []string
	seen := make(map[string]bool)
	for _, r := range snap.Records() {
		full := strings.ToLower(r.Name)
		surname := strings.ToLower(r.Surname())

		if full != "" && strings.Contains(lower, full) ||
			surname != "" && strings.Contains(lower, surname) {
			if !seen[r.ID] {
				seen[r.ID] = true
				matched = append(matched, r.ID)
			}
		}
	}
	return matched
}
