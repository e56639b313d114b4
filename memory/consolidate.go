package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// Consolidator merges near-duplicate records and prunes decayed ones.
// It runs on a timer or on demand, one owner's namespace per pass, and
// mutates through the same owner-scoped store primitives as synchronous
// writes. Races with other passes resolve via optimistic version checks.
type Consolidator struct {
	store  Store
	scorer *Scorer
	cfg    *Config

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// ConsolidationResult reports what one pass did.
type ConsolidationResult struct {
	Merged  int
	Pruned  int
	Skipped int // records skipped after exhausting version-conflict retries
}

// NewConsolidator creates a consolidation engine over the store.
func NewConsolidator(store Store, cfg *Config) *Consolidator {
	if cfg == nil {
		cfg = DefaultConfig
	}
	return &Consolidator{
		store:  store,
		scorer: NewScorer(cfg),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the background sweep loop. Each tick runs one pass per
// owner, sequentially, so no two owner namespaces are mutated within the
// same locked section.
func (c *Consolidator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.ConsolidationInterval)
		defer ticker.Stop()
		log.Printf("[CONSOLIDATE] Background worker started (interval %s)", c.cfg.ConsolidationInterval)
		for {
			select {
			case <-ticker.C:
				c.sweep(context.Background())
			case <-c.stopCh:
				log.Printf("[CONSOLIDATE] Background worker stopped")
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for an in-flight sweep.
func (c *Consolidator) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sweep runs one consolidation pass for every known owner.
func (c *Consolidator) sweep(ctx context.Context) {
	owners, err := c.store.Owners(ctx)
	if err != nil {
		log.Printf("[CONSOLIDATE] Sweep aborted, cannot list owners: %v", err)
		return
	}
	for _, owner := range owners {
		if _, err := c.RunOnce(ctx, owner); err != nil {
			log.Printf("[CONSOLIDATE] Pass failed for owner=%s: %v", owner, err)
		}
	}
}

// RunOnce consolidates a single owner's namespace: first the merge pass
// over near-duplicates, then decay pruning.
func (c *Consolidator) RunOnce(ctx context.Context, owner string) (*ConsolidationResult, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}

	result := &ConsolidationResult{}
	if err := c.mergePass(ctx, owner, result); err != nil {
		return result, err
	}
	if err := c.prunePass(ctx, owner, result); err != nil {
		return result, err
	}
	if result.Merged > 0 || result.Pruned > 0 || result.Skipped > 0 {
		log.Printf("[CONSOLIDATE] owner=%s merged=%d pruned=%d skipped=%d",
			owner, result.Merged, result.Pruned, result.Skipped)
	}
	return result, nil
}

// mergePass folds pairs of same-category records whose embeddings are at
// least MergeThreshold apart in cosine similarity. The higher-importance
// record survives; on an importance tie the earlier-created one does.
func (c *Consolidator) mergePass(ctx context.Context, owner string, result *ConsolidationResult) error {
	recs, err := c.store.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list for merge: %w", err)
	}

	byCategory := make(map[Category][]*Record)
	for _, rec := range recs {
		byCategory[rec.Category] = append(byCategory[rec.Category], rec)
	}

	consumed := make(map[string]bool)
	for _, group := range byCategory {
		for i := 0; i < len(group); i++ {
			if consumed[group[i].ID] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if consumed[group[i].ID] || consumed[group[j].ID] {
					continue
				}
				sim := CosineSimilarity(group[i].Embedding, group[j].Embedding)
				if sim < c.cfg.MergeThreshold {
					continue
				}
				dst, src := group[i], group[j]
				if src.Importance > dst.Importance ||
					(src.Importance == dst.Importance && src.CreatedAt.Before(dst.CreatedAt)) {
					dst, src = src, dst
				}
				merged, err := c.mergeWithRetry(ctx, owner, dst, src)
				if err != nil {
					return err
				}
				if merged == nil {
					result.Skipped++
					continue
				}
				if merged.ID == group[i].ID {
					consumed[group[j].ID] = true
					group[i] = merged
				} else {
					consumed[group[i].ID] = true
					group[j] = merged
				}
				result.Merged++
			}
		}
	}
	return nil
}

// mergeWithRetry applies one merge, re-reading both records and retrying
// a bounded number of times when a concurrent pass moved them. Returns
// (nil, nil) when retries are exhausted: logged and skipped this cycle,
// never a crash or a double merge.
func (c *Consolidator) mergeWithRetry(ctx context.Context, owner string, dst, src *Record) (*Record, error) {
	for attempt := 0; attempt <= c.cfg.MergeRetryLimit; attempt++ {
		merged, err := c.store.Merge(ctx, owner,
			MergeRef{ID: dst.ID, Version: dst.Version},
			MergeRef{ID: src.ID, Version: src.Version},
			c.cfg.AccessCountCap)
		if err == nil {
			return merged, nil
		}
		if errors.Is(err, ErrNotFound) {
			// Another pass already consumed one of the pair.
			return nil, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("merge %s into %s: %w", src.ID, dst.ID, err)
		}
		freshDst, freshSrc, rerr := c.refreshPair(ctx, owner, dst, src)
		if rerr != nil || freshDst == nil {
			return nil, rerr
		}
		dst, src = freshDst, freshSrc
	}
	log.Printf("[CONSOLIDATE] Giving up on merge %s into %s after %d retries",
		src.ID, dst.ID, c.cfg.MergeRetryLimit)
	return nil, nil
}

// refreshPair re-reads both records for a retry. Nil records mean one of
// them is no longer ACTIVE and the merge is moot.
func (c *Consolidator) refreshPair(ctx context.Context, owner string, dst, src *Record) (*Record, *Record, error) {
	out := make([]*Record, 2)
	for i, rec := range []*Record{dst, src} {
		fresh, err := c.store.Get(ctx, owner, rec.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("refresh %s: %w", rec.ID, err)
		}
		if fresh.Status != StatusActive {
			return nil, nil, nil
		}
		out[i] = fresh
	}
	return out[0], out[1], nil
}

// prunePass transitions records to PRUNED when their decayed importance
// has fallen below the threshold and the retention window has passed
// without an access. Pruned records leave the index immediately; physical
// deletion can happen in a later batch.
func (c *Consolidator) prunePass(ctx context.Context, owner string, result *ConsolidationResult) error {
	recs, err := c.store.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list for prune: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range recs {
		if c.scorer.decayedImportanceRaw(rec, now) >= c.cfg.PruneThreshold {
			continue
		}
		if now.Sub(rec.LastAccessedAt) < c.cfg.RetentionWindow {
			continue
		}
		err := c.store.Prune(ctx, owner, MergeRef{ID: rec.ID, Version: rec.Version})
		switch {
		case err == nil:
			result.Pruned++
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotFound):
			// Touched or consumed since listing; leave it for next cycle.
			result.Skipped++
		default:
			return fmt.Errorf("prune %s: %w", rec.ID, err)
		}
	}
	return nil
}

// FindDuplicate returns the closest ACTIVE record of the same category if
// its similarity reaches the merge threshold. Used by the ingestion path
// to fold candidate facts into existing records instead of storing twins.
func (c *Consolidator) FindDuplicate(ctx context.Context, owner string, embedding []float32, category Category) (*Record, float64, error) {
	matches, err := c.store.NearestNeighbors(ctx, owner, embedding, 1, []Category{category})
	if err != nil {
		return nil, 0, err
	}
	if len(matches) == 0 || matches[0].Similarity < c.cfg.MergeThreshold {
		return nil, 0, nil
	}
	return matches[0].Record, matches[0].Similarity, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
