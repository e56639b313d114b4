package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Manager is the query surface exposed to the conversational orchestrator.
// It owns the retrieval pipeline (embed, nearest neighbors, filter, rank,
// touch) and the ingestion path (screen, dedup, persist).
//
// The orchestrator is opinionated about WHEN to call memory; the Manager
// is opinionated about HOW: which candidates to fetch, how to rank them,
// and when a candidate fact merges into an existing record.
type Manager struct {
	store        Store
	embedder     Embedder
	scorer       *Scorer
	consolidator *Consolidator
	cfg          *Config
	embedCache   *ristretto.Cache
}

// RetrieveOptions narrows a retrieval request. Filtering happens before
// ranking, so k always refers to post-filter candidates.
type RetrieveOptions struct {
	// Categories restricts candidates to these categories. Empty means all.
	Categories []Category

	// MinImportance drops candidates whose baseline importance is lower.
	MinImportance float64
}

// NewManager wires the retrieval and ingestion pipeline. The embedder's
// dimension must match the store's; a mismatch is a construction error,
// not a query-time surprise.
func NewManager(store Store, embedder Embedder, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store.Dimensions() != embedder.Dimensions() {
		return nil, &ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("store dimension %d != embedder dimension %d", store.Dimensions(), embedder.Dimensions()),
		}
	}

	m := &Manager{
		store:        store,
		embedder:     embedder,
		scorer:       NewScorer(cfg),
		consolidator: NewConsolidator(store, cfg),
		cfg:          cfg,
	}

	if cfg.EmbedCacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.EmbedCacheEntries * 10,
			MaxCost:     cfg.EmbedCacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("embed cache: %w", err)
		}
		m.embedCache = cache
	}

	return m, nil
}

// Consolidator returns the consolidation engine bound to this manager's
// store, for background scheduling or on-demand passes.
func (m *Manager) Consolidator() *Consolidator {
	return m.consolidator
}

// Retrieve embeds the query text and returns the top-k ranked memories.
// Retrieval is not read-only: every returned record's access statistics
// are updated as a side effect. The configured deadline covers the whole
// request, embedding included.
func (m *Manager) Retrieve(ctx context.Context, owner, query string, k int, opts *RetrieveOptions) ([]SearchResult, error) {
	ctx, cancel := m.deadline(ctx)
	defer cancel()

	embedding, err := m.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.retrieve(ctx, owner, embedding, k, opts)
}

// RetrieveByEmbedding runs the retrieval pipeline against a pre-computed
// query embedding.
func (m *Manager) RetrieveByEmbedding(ctx context.Context, owner string, query []float32, k int, opts *RetrieveOptions) ([]SearchResult, error) {
	ctx, cancel := m.deadline(ctx)
	defer cancel()
	return m.retrieve(ctx, owner, query, k, opts)
}

// deadline applies the configured retrieval timeout, when there is one.
func (m *Manager) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.RetrieveTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.RetrieveTimeout)
	}
	return ctx, func() {}
}

// retrieve is the pipeline shared by Retrieve and RetrieveByEmbedding.
//
// A request that exceeds its deadline returns the ranked subset computed
// so far rather than blocking. A store outage returns an explicit empty
// result with ErrStoreUnavailable so the surrounding conversation turn
// can degrade to "no memories found".
func (m *Manager) retrieve(ctx context.Context, owner string, query []float32, k int, opts *RetrieveOptions) ([]SearchResult, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if k <= 0 {
		return nil, nil
	}
	if opts == nil {
		opts = &RetrieveOptions{}
	}

	// Oversample so min-importance filtering happens before ranking
	// without starving top-k.
	fetch := k * m.cfg.CandidateOversample
	if fetch < k {
		fetch = k
	}
	matches, err := m.store.NearestNeighbors(ctx, owner, query, fetch, opts.Categories)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			log.Printf("[MEMORY] Store unavailable for owner=%s, degrading to empty result", owner)
			return nil, err
		}
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}

	now := time.Now().UTC()
	results := make([]SearchResult, 0, len(matches))
	for _, mt := range matches {
		if mt.Record.Owner != owner {
			return nil, &OwnerIsolationError{Requested: owner, Got: mt.Record.Owner}
		}
		if mt.Record.Importance < opts.MinImportance {
			continue
		}
		select {
		case <-ctx.Done():
			log.Printf("[MEMORY] Retrieval deadline hit for owner=%s, returning %d scored of %d candidates",
				owner, len(results), len(matches))
			return m.finish(owner, results, k), nil
		default:
		}
		results = append(results, m.scorer.Score(mt, now))
	}

	return m.finish(owner, results, k), nil
}

// finish ranks the scored candidates, truncates to k, and touches the
// records that are actually returned.
func (m *Manager) finish(owner string, results []SearchResult, k int) []SearchResult {
	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	for _, res := range results {
		if err := m.store.UpdateAccess(context.Background(), owner, res.Record.ID); err != nil {
			log.Printf("[MEMORY] Failed to update access for %s: %v", res.Record.ID, err)
		}
	}
	log.Printf("[MEMORY] Retrieved %d memories for owner=%s", len(results), owner)
	return results
}

// AddCandidate screens an extracted fact, checks it against existing
// records for the owner, and either persists a fresh record or reports
// the near-duplicate it reinforced.
func (m *Manager) AddCandidate(ctx context.Context, owner string, fact CandidateFact) (AddOutcome, error) {
	if owner == "" {
		return AddOutcome{}, &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if err := fact.Validate(); err != nil {
		return AddOutcome{}, err
	}

	embedding, err := m.embedder.Embed(ctx, fact.Content)
	if err != nil {
		return AddOutcome{}, fmt.Errorf("embed candidate: %w", err)
	}

	dup, sim, err := m.consolidator.FindDuplicate(ctx, owner, embedding, fact.Category)
	if err != nil {
		return AddOutcome{}, fmt.Errorf("duplicate check: %w", err)
	}
	if dup != nil {
		log.Printf("[MEMORY] Candidate merged into existing record %s (similarity %.3f)", dup.ID, sim)
		if err := m.store.UpdateAccess(ctx, owner, dup.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return AddOutcome{}, fmt.Errorf("reinforce duplicate: %w", err)
		}
		return AddOutcome{MergedInto: dup.ID}, nil
	}

	rec, err := NewRecord(owner, fact.Content, fact.Category, fact.Importance, embedding, fact.SourceTurn)
	if err != nil {
		return AddOutcome{}, err
	}
	if err := m.store.Add(ctx, rec); err != nil {
		return AddOutcome{}, fmt.Errorf("persist candidate: %w", err)
	}
	log.Printf("[MEMORY] Stored new %s memory %s for owner=%s", fact.Category, rec.ID, owner)
	return AddOutcome{ID: rec.ID}, nil
}

// Forget transitions a record straight to DELETED regardless of
// importance or recency. This overrides decay policy and satisfies
// privacy removal requests. A repeat call returns ErrNotFound.
func (m *Manager) Forget(ctx context.Context, owner, id string) error {
	return m.store.Forget(ctx, owner, id)
}

// Export returns all ACTIVE records for the owner, embeddings included,
// for audit and portability. A store can be rebuilt from this listing
// alone via Store.Load, without re-embedding.
func (m *Manager) Export(ctx context.Context, owner string) ([]*Record, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	return m.store.ListByOwner(ctx, owner)
}

// OwnerStats summarizes one owner's memory profile.
type OwnerStats struct {
	Owner         string
	Total         int
	ByCategory    map[Category]int
	AvgImportance float64
}

// Stats aggregates counts and average importance over the owner's ACTIVE
// records.
func (m *Manager) Stats(ctx context.Context, owner string) (*OwnerStats, error) {
	recs, err := m.Export(ctx, owner)
	if err != nil {
		return nil, err
	}
	stats := &OwnerStats{
		Owner:      owner,
		Total:      len(recs),
		ByCategory: make(map[Category]int, numCategories),
	}
	var sum float64
	for _, rec := range recs {
		stats.ByCategory[rec.Category]++
		sum += rec.Importance
	}
	if stats.Total > 0 {
		stats.AvgImportance = sum / float64(stats.Total)
	}
	return stats, nil
}

// embedQuery embeds query text, consulting the ristretto cache first so
// repeated queries skip the embedder.
func (m *Manager) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if m.embedCache != nil {
		if cached, ok := m.embedCache.Get(query); ok {
			if embedding, ok := cached.([]float32); ok {
				return embedding, nil
			}
		}
	}
	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if m.embedCache != nil {
		m.embedCache.Set(query, embedding, 1)
	}
	return embedding, nil
}
