package memory

import (
	"math"
	"sort"
	"time"
)

// Access frequency contributes a small capped boost: one tenth of a point
// per access, at most 0.2, so a much-used memory edges out an equally
// similar cold one without swamping the semantic signal.
const (
	accessBoostDivisor = 10.0
	accessBoostCap     = 0.2
)

// Scorer computes the composite relevance score that ranks retrieval
// candidates. It is stateless; all tunables come from Config.
type Scorer struct {
	cfg *Config
}

// NewScorer creates a scorer from config. A nil config uses defaults.
func NewScorer(cfg *Config) *Scorer {
	if cfg == nil {
		cfg = DefaultConfig
	}
	return &Scorer{cfg: cfg}
}

// RecencyScore decays exponentially with time since last access,
// halving every HalfLifeRecency.
func (s *Scorer) RecencyScore(rec *Record, now time.Time) float64 {
	age := now.Sub(rec.LastAccessedAt)
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / s.cfg.HalfLifeRecency.Seconds())
}

// DecayedImportance halves the baseline importance every
// HalfLifeImportance since creation, floored at ImportanceFloor so old
// memories never become entirely weightless in ranking.
func (s *Scorer) DecayedImportance(rec *Record, now time.Time) float64 {
	decayed := s.decayedImportanceRaw(rec, now)
	if decayed < s.cfg.ImportanceFloor {
		return s.cfg.ImportanceFloor
	}
	return decayed
}

// decayedImportanceRaw is the unfloored decay. Prune policy compares
// against this one: the scoring floor would otherwise pin every old
// record above (or below) the prune threshold forever.
func (s *Scorer) decayedImportanceRaw(rec *Record, now time.Time) float64 {
	age := now.Sub(rec.CreatedAt)
	if age <= 0 {
		return rec.Importance
	}
	return rec.Importance * math.Pow(0.5, age.Seconds()/s.cfg.HalfLifeImportance.Seconds())
}

// AccessBoost is the capped access-frequency contribution.
func (s *Scorer) AccessBoost(rec *Record) float64 {
	boost := float64(rec.AccessCount) / accessBoostDivisor
	if boost > accessBoostCap {
		return accessBoostCap
	}
	return boost
}

// Composite blends similarity, recency, decayed importance, and the
// access boost into the final ranking score.
func (s *Scorer) Composite(m Match, now time.Time) float64 {
	w := s.cfg.Weights
	return w.Relevance*m.Similarity +
		w.Recency*s.RecencyScore(m.Record, now) +
		w.Importance*s.DecayedImportance(m.Record, now) +
		s.AccessBoost(m.Record)
}

// Score converts a match into a search result at the given instant.
func (s *Scorer) Score(m Match, now time.Time) SearchResult {
	return SearchResult{
		Record:     m.Record,
		Similarity: m.Similarity,
		Composite:  s.Composite(m, now),
	}
}

// SortResults orders results by composite descending. Ties break by
// CreatedAt descending, then ID ascending, so identical inputs always
// produce identical orderings.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}
