package memory

import "time"

// OverflowPolicy selects what happens when the candidate ingestion queue
// is full: block the producer, or drop the oldest queued candidate.
type OverflowPolicy int

const (
	BlockProducer OverflowPolicy = iota
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "block_producer"
}

// Weights blends the retrieval ranking signals. All weights must be
// non-negative; no other relationship among them is enforced.
type Weights struct {
	Relevance  float64 // cosine similarity
	Recency    float64 // exponential decay since last access
	Importance float64 // importance with creation-age decay
}

// Config holds tunables for scoring, consolidation, and ingestion.
// Thresholds and half-lives are deployment choices, not contract; the
// defaults mirror the values the system shipped with.
type Config struct {
	// Weights for the composite retrieval score.
	Weights Weights

	// HalfLifeRecency is the time since last access after which the
	// recency score halves.
	HalfLifeRecency time.Duration

	// HalfLifeImportance is the time since creation after which decayed
	// importance halves.
	HalfLifeImportance time.Duration

	// ImportanceFloor is the minimum decayed importance used in scoring.
	// Memories never decay to zero relevance.
	ImportanceFloor float64

	// MergeThreshold is the cosine similarity at or above which two
	// records of the same owner and category are considered duplicates.
	MergeThreshold float64

	// PruneThreshold: ACTIVE records whose decayed importance falls below
	// it AND that have not been accessed within RetentionWindow are pruned.
	PruneThreshold float64

	// RetentionWindow protects recently accessed records from pruning.
	RetentionWindow time.Duration

	// AccessCountCap bounds the summed access count of a merge survivor.
	AccessCountCap int

	// MergeRetryLimit bounds optimistic-concurrency retries per record
	// per consolidation cycle.
	MergeRetryLimit int

	// ConsolidationInterval is the background sweep period.
	ConsolidationInterval time.Duration

	// RetrieveTimeout caps a retrieval request. On expiry the request
	// returns the ranked subset computed so far. Zero disables the cap.
	RetrieveTimeout time.Duration

	// CandidateOversample multiplies k when fetching nearest neighbors,
	// so min-importance filtering happens before ranking without
	// starving top-k.
	CandidateOversample int

	// QueueSize bounds the candidate ingestion buffer.
	QueueSize int

	// QueuePolicy selects the backpressure behavior when the buffer fills.
	QueuePolicy OverflowPolicy

	// EmbedCacheEntries sizes the query-embedding cache. Zero disables it.
	EmbedCacheEntries int64
}

// DefaultConfig returns the defaults used by the local SDK.
var DefaultConfig = &Config{
	Weights: Weights{
		Relevance:  0.55,
		Recency:    0.25,
		Importance: 0.20,
	},
	HalfLifeRecency:       7 * 24 * time.Hour,
	HalfLifeImportance:    30 * 24 * time.Hour,
	ImportanceFloor:       0.1,
	MergeThreshold:        0.92,
	PruneThreshold:        0.15,
	RetentionWindow:       30 * 24 * time.Hour,
	AccessCountCap:        100,
	MergeRetryLimit:       3,
	ConsolidationInterval: 6 * time.Hour,
	RetrieveTimeout:       2 * time.Second,
	CandidateOversample:   4,
	QueueSize:             256,
	QueuePolicy:           BlockProducer,
	EmbedCacheEntries:     1024,
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Weights.Relevance < 0 || c.Weights.Recency < 0 || c.Weights.Importance < 0 {
		return &ValidationError{Field: "weights", Reason: "weights must be non-negative"}
	}
	if c.HalfLifeRecency <= 0 || c.HalfLifeImportance <= 0 {
		return &ValidationError{Field: "half_life", Reason: "half-lives must be positive"}
	}
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		return &ValidationError{Field: "merge_threshold", Reason: "merge threshold must be in (0,1]"}
	}
	if c.QueueSize <= 0 {
		return &ValidationError{Field: "queue_size", Reason: "queue size must be positive"}
	}
	return nil
}
