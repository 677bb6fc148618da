package leak

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/securebank-labs/bastion/pkg/corpus"
)

// Result is the output gate's classification verdict. Like the input
// side, a block is data, not an error. Category names the topic of a
// blocked draft and selects the safe-alternative response.
type Result struct {
	Blocked    bool     `json:"blocked"`
	Similarity float32  `json:"similarity"`
	RecordID   string   `json:"record_id,omitempty"`
	Category   string   `json:"category,omitempty"`
	Method     string   `json:"method"` // "embedding" or "keyword_fallback"
	Keywords   []string `json:"keywords,omitempty"`
}

// fallbackTopics are the fail-closed degradation when the embedding
// backend is down, grouped by the safe-alternative category they map to.
// Strictly less precise than embeddings, but a containment hit blocks.
// Order breaks ties: earlier topics win when hit counts are equal.
var fallbackTopics = []struct {
	category string
	keywords []string
}{
	{"customer_data", []string{
		"balance", "account number", "sort code", "card number", "iban",
		"last 4", "last four", "credit score",
		"£", "$", "€",
		"postcode", "address", "street", "road", "avenue", "lives at", "lives on",
		"email", "phone number",
	}},
	{"credentials", []string{
		"password", "credentials", "secret", "api key", "access token",
	}},
	{"fraud_rules", []string{
		"fraud detection", "fraud rule", "fraud model", "flagging threshold",
	}},
	{"internal_models", []string{
		"scoring model", "risk model", "internal model", "scoring algorithm",
	}},
	{"system_info", []string{
		"system prompt", "internal system", "database schema",
	}},
	{"security", []string{
		"security measure", "security control", "encryption key",
	}},
	{"internal_policy", []string{
		"internal policy", "internal procedure", "policy document",
	}},
	{"compliance", []string{
		"compliance procedure", "audit procedure", "regulatory exemption",
	}},
}

// Detector compares drafts against per-record embeddings by cosine
// similarity. One collection per corpus snapshot; Reload swaps the whole
// collection, mirroring the roster's snapshot semantics.
type Detector struct {
	embedder EmbeddingProvider

	mu         sync.RWMutex
	collection *chromem.Collection
	threshold  float32
	ready      bool
}

// NewDetector creates a detector with the given threshold. A nil embedder
// is allowed: the detector then never becomes ready and every inspection
// takes the keyword fallback path.
func NewDetector(embedder EmbeddingProvider, threshold float32) *Detector {
	return &Detector{
		embedder:  embedder,
		threshold: threshold,
	}
}

// LoadCorpus embeds every record's sensitive summary into a fresh
// collection and swaps it in. Records that carry a precomputed embedding
// use it as-is.
func (d *Detector) LoadCorpus(ctx context.Context, snap *corpus.Snapshot) error {
	if d.embedder == nil {
		return fmt.Errorf("no embedding backend configured")
	}

	db := chromem.NewDB()
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return d.embedder.Embed(ctx, text)
	}
	collection, err := db.CreateCollection("protected_records", nil, embeddingFunc)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	records := snap.Records()
	docs := make([]chromem.Document, len(records))
	dim := d.embedder.Dimension()
	for i, r := range records {
		// A precomputed embedding from the wrong model would silently skew
		// every similarity score; reject it up front.
		if len(r.Embedding) > 0 && dim > 0 && len(r.Embedding) != dim {
			return fmt.Errorf("record %s has a %d-dimension embedding, provider produces %d",
				r.ID, len(r.Embedding), dim)
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   strings.ToLower(r.SensitiveSummary()),
			Embedding: r.Embedding,
			Metadata: map[string]string{
				"record_id": r.ID,
				"name":      r.Name,
			},
		}
	}

	// One worker: embedding backends rate-limit, and corpus loads are rare.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to embed corpus: %w", err)
	}

	d.mu.Lock()
	d.collection = collection
	d.ready = true
	d.mu.Unlock()

	log.Printf("[LEAK] Corpus embedded: %d records", len(records))
	return nil
}

// Inspect classifies a draft. The decision is blocked iff the maximum
// cosine similarity against any record strictly exceeds the threshold.
// If the embedding path is unavailable (never loaded, or the backend
// fails at query time) the keyword fallback classifies instead; the gate
// never fails open on backend trouble.
func (d *Detector) Inspect(ctx context.Context, draft string) Result {
	d.mu.RLock()
	collection := d.collection
	ready := d.ready
	threshold := d.threshold
	d.mu.RUnlock()

	if !ready {
		return d.keywordFallback(draft)
	}

	results, err := collection.Query(ctx, strings.ToLower(draft), 1, nil, nil)
	if err != nil {
		log.Printf("[WARN] Embedding query failed, using keyword fallback: %v", err)
		return d.keywordFallback(draft)
	}
	if len(results) == 0 {
		return Result{Blocked: false, Method: "embedding"}
	}

	best := results[0]
	blocked := best.Similarity > threshold
	res := Result{
		Blocked:    blocked,
		Similarity: best.Similarity,
		RecordID:   best.Metadata["record_id"],
		Method:     "embedding",
	}
	if blocked {
		// The corpus holds protected customer records, so an embedding
		// match is customer data regardless of which record it resembles.
		res.Category = "customer_data"
	}
	return res
}

// keywordFallback blocks on any containment match against the topic
// lists. The category is the topic with the most hits; score grows with
// total match count, capped below certainty.
func (d *Detector) keywordFallback(draft string) Result {
	lower := strings.ToLower(draft)

	var (
		hits     []string
		category string
		bestHits int
	)
	for _, topic := range fallbackTopics {
		topicHits := 0
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, kw)
				topicHits++
			}
		}
		if topicHits > bestHits {
			bestHits = topicHits
			category = topic.category
		}
	}

	score := float32(len(hits)) * 0.25
	if score > 0.95 {
		score = 0.95
	}

	return Result{
		Blocked:    len(hits) > 0,
		Similarity: score,
		Category:   category,
		Method:     "keyword_fallback",
		Keywords:   hits,
	}
}

// SetThreshold updates the similarity threshold.
func (d *Detector) SetThreshold(t float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = t
}

// Threshold returns the active similarity threshold.
func (d *Detector) Threshold() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// IsReady reports whether the embedding path is available.
func (d *Detector) IsReady() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}
