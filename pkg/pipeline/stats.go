package pipeline

import (
	"sync"

	"github.com/securebank-labs/bastion/pkg/audit"
)

// Stats accumulates per-process counters over audit events.
type Stats struct {
	mu sync.Mutex

	total         int64
	blockedInput  int64
	blockedOutput int64
	errors        int64

	similaritySum float64
	similarityN   int64
	processingSum int64

	categories map[string]int64
}

// StatsSnapshot is the read-side view served by the stats endpoint.
type StatsSnapshot struct {
	TotalTurns      int64            `json:"total_turns"`
	Delivered       int64            `json:"delivered"`
	BlockedInput    int64            `json:"blocked_input"`
	BlockedOutput   int64            `json:"blocked_output"`
	Errors          int64            `json:"errors"`
	BlockRate       float64          `json:"block_rate"`
	AvgSimilarity   float64          `json:"avg_similarity"`
	AvgProcessingMS float64          `json:"avg_processing_ms"`
	Categories      map[string]int64 `json:"categories"`
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{categories: make(map[string]int64)}
}

// Observe folds one finished turn into the counters.
func (s *Stats) Observe(event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.processingSum += event.ProcessingMS

	switch event.Decision {
	case audit.DecisionBlockedInput:
		s.blockedInput++
	case audit.DecisionBlockedOutput:
		s.blockedOutput++
	case audit.DecisionError:
		s.errors++
	}

	if event.LeakMethod != "" {
		s.similaritySum += float64(event.Similarity)
		s.similarityN++
	}
	for _, c := range event.Categories {
		s.categories[c]++
	}
}

// Snapshot copies the counters out.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalTurns:    s.total,
		Delivered:     s.total - s.blockedInput - s.blockedOutput - s.errors,
		BlockedInput:  s.blockedInput,
		BlockedOutput: s.blockedOutput,
		Errors:        s.errors,
		Categories:    make(map[string]int64, len(s.categories)),
	}
	for k, v := range s.categories {
		snap.Categories[k] = v
	}
	if s.total > 0 {
		snap.BlockRate = float64(s.blockedInput+s.blockedOutput) / float64(s.total)
		snap.AvgProcessingMS = float64(s.processingSum) / float64(s.total)
	}
	if s.similarityN > 0 {
		snap.AvgSimilarity = s.similaritySum / float64(s.similarityN)
	}
	return snap
}
