package memory_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/becomeliminal/recall/memory"
	"github.com/becomeliminal/recall/memory/embedder/mock"
	"github.com/becomeliminal/recall/memory/store/chromem"
)

const managerDims = 32

func newManager(t *testing.T, cfg *memory.Config) (*memory.Manager, *chromem.Store) {
	t.Helper()
	store, err := chromem.New(managerDims)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	manager, err := memory.NewManager(store, mock.New(managerDims), cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager, store
}

func TestManagerAddAndRetrieve(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t, nil)

	fact := memory.CandidateFact{
		Content:    "allergic to shellfish",
		Category:   memory.CategoryConstraint,
		Importance: 0.95,
		Confidence: 0.9,
		SourceTurn: 3,
	}
	outcome, err := manager.AddCandidate(ctx, "alice", fact)
	if err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}
	if outcome.Merged() {
		t.Fatal("Fresh fact should not merge")
	}

	// The record's own text retrieves it with similarity ~1.0.
	results, err := manager.Retrieve(ctx, "alice", "allergic to shellfish", 5, nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Record.ID != outcome.ID {
		t.Errorf("Wrong record retrieved")
	}
	if math.Abs(results[0].Similarity-1.0) > 1e-3 {
		t.Errorf("Expected similarity ~1.0, got %f", results[0].Similarity)
	}

	// Retrieval is not read-only: the returned record was touched.
	stored, err := store.Get(ctx, "alice", outcome.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AccessCount != 1 {
		t.Errorf("Expected access count 1 after retrieval, got %d", stored.AccessCount)
	}
}

func TestManagerOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	_, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
		Content:    "allergic to shellfish",
		Category:   memory.CategoryConstraint,
		Importance: 0.95,
	})
	if err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}

	// Bob never sees Alice's fact, under any query text.
	for _, query := range []string{"allergic to shellfish", "shellfish", "what allergies do I have"} {
		results, err := manager.Retrieve(ctx, "bob", query, 10, nil)
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		for _, res := range results {
			if res.Record.Owner != "bob" {
				t.Fatalf("Owner isolation violated: bob saw record of %s", res.Record.Owner)
			}
		}
	}
}

func TestManagerDuplicateMergesIntoExisting(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t, nil)

	fact := memory.CandidateFact{
		Content:    "works at the bakery on 5th street",
		Category:   memory.CategoryPersonalInfo,
		Importance: 0.7,
	}

	first, err := manager.AddCandidate(ctx, "alice", fact)
	if err != nil {
		t.Fatalf("First AddCandidate failed: %v", err)
	}
	second, err := manager.AddCandidate(ctx, "alice", fact)
	if err != nil {
		t.Fatalf("Second AddCandidate failed: %v", err)
	}

	if !second.Merged() {
		t.Fatal("Identical fact should merge into the existing record")
	}
	if second.MergedInto != first.ID {
		t.Errorf("Merged into %s, want %s", second.MergedInto, first.ID)
	}

	active, err := store.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected exactly 1 active record, got %d", len(active))
	}
	// The duplicate reinforced the original.
	if active[0].AccessCount != 1 {
		t.Errorf("Expected access count 1 after reinforcement, got %d", active[0].AccessCount)
	}
}

func TestManagerRejectsMalformedCandidates(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	bad := []memory.CandidateFact{
		{Content: "", Category: memory.CategoryContext, Importance: 0.5},
		{Content: "fact", Category: memory.Category(42), Importance: 0.5},
		{Content: "fact", Category: memory.CategoryContext, Importance: 2.0},
	}
	for i, fact := range bad {
		if _, err := manager.AddCandidate(ctx, "alice", fact); !memory.IsValidation(err) {
			t.Errorf("Case %d: expected ValidationError, got %v", i, err)
		}
	}
	if _, err := manager.AddCandidate(ctx, "", memory.CandidateFact{
		Content: "fact", Category: memory.CategoryContext, Importance: 0.5,
	}); !memory.IsValidation(err) {
		t.Errorf("Expected ValidationError for empty owner, got %v", err)
	}
}

func TestManagerMinImportanceFiltersBeforeRanking(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	_, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
		Content: "loves jazz", Category: memory.CategoryPreference, Importance: 0.9,
	})
	if err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}
	_, err = manager.AddCandidate(ctx, "alice", memory.CandidateFact{
		Content: "mentioned the weather", Category: memory.CategoryContext, Importance: 0.2,
	})
	if err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}

	results, err := manager.Retrieve(ctx, "alice", "music taste", 5, &memory.RetrieveOptions{MinImportance: 0.5})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 1 || results[0].Record.Content != "loves jazz" {
		t.Fatalf("Min-importance filter failed: %+v", results)
	}
}

func TestManagerCategoryFilter(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	for _, fact := range []memory.CandidateFact{
		{Content: "prefers window seats", Category: memory.CategoryPreference, Importance: 0.6},
		{Content: "allergic to peanuts", Category: memory.CategoryConstraint, Importance: 0.95},
	} {
		if _, err := manager.AddCandidate(ctx, "alice", fact); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	results, err := manager.Retrieve(ctx, "alice", "travel", 5, &memory.RetrieveOptions{
		Categories: []memory.Category{memory.CategoryConstraint},
	})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 1 || results[0].Record.Category != memory.CategoryConstraint {
		t.Fatalf("Category filter failed: %+v", results)
	}
}

func TestManagerTopKOrdering(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	for i := 0; i < 10; i++ {
		_, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
			Content:    fmt.Sprintf("distinct fact number %d about topic %d", i, i),
			Category:   memory.CategoryContext,
			Importance: 0.5,
		})
		if err != nil {
			t.Fatalf("AddCandidate %d failed: %v", i, err)
		}
	}

	results, err := manager.Retrieve(ctx, "alice", "topic", 3, nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected exactly 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Composite > results[i-1].Composite {
			t.Errorf("Results not sorted by composite descending at %d", i)
		}
	}
}

func TestManagerDimensionMismatch(t *testing.T) {
	store, err := chromem.New(managerDims)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := memory.NewManager(store, mock.New(managerDims*2), nil); !memory.IsValidation(err) {
		t.Fatalf("Expected ValidationError for dimension mismatch, got %v", err)
	}
}

func TestManagerDegradesWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t, nil)

	if _, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
		Content: "fact", Category: memory.CategoryContext, Importance: 0.5,
	}); err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Degrades to an explicit empty-with-error result, not a hang.
	results, err := manager.Retrieve(ctx, "alice", "anything", 5, nil)
	if !errors.Is(err, memory.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results from unavailable store, got %d", len(results))
	}
}

func TestManagerForget(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	outcome, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
		Content: "old phone number", Category: memory.CategoryPersonalInfo, Importance: 0.9,
	})
	if err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}

	// Forget overrides importance and recency.
	if err := manager.Forget(ctx, "alice", outcome.ID); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	results, err := manager.Retrieve(ctx, "alice", "old phone number", 5, nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Forgotten record still retrievable")
	}

	if err := manager.Forget(ctx, "alice", outcome.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on repeat forget, got %v", err)
	}
}

func TestManagerExportAndReload(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	for _, content := range []string{"fact one", "fact two", "fact three"} {
		if _, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
			Content: content, Category: memory.CategoryContext, Importance: 0.6,
		}); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	exported, err := manager.Export(ctx, "alice")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(exported) != 3 {
		t.Fatalf("Expected 3 exported records, got %d", len(exported))
	}
	for _, rec := range exported {
		if len(rec.Embedding) != managerDims {
			t.Fatal("Export must include embeddings for cold-start reload")
		}
	}

	// Rebuild on a fresh store from the export alone.
	freshStore, err := chromem.New(managerDims)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := freshStore.Load(ctx, exported); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	freshManager, err := memory.NewManager(freshStore, mock.New(managerDims), nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	results, err := freshManager.Retrieve(ctx, "alice", "fact two", 1, nil)
	if err != nil {
		t.Fatalf("Retrieve after reload failed: %v", err)
	}
	if len(results) != 1 || results[0].Record.Content != "fact two" {
		t.Fatalf("Reloaded manager gave wrong answer: %+v", results)
	}
}

// slowStore delays the similarity query past any reasonable deadline,
// then answers from the wrapped store.
type slowStore struct {
	memory.Store
	delay time.Duration
}

func (s *slowStore) NearestNeighbors(ctx context.Context, owner string, query []float32, k int, categories []memory.Category) ([]memory.Match, error) {
	time.Sleep(s.delay)
	return s.Store.NearestNeighbors(context.Background(), owner, query, k, categories)
}

func TestManagerDeadlineReturnsPartialResult(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t, nil)

	for i := 0; i < 5; i++ {
		if _, err := manager.AddCandidate(ctx, "alice", memory.CandidateFact{
			Content:    fmt.Sprintf("slow fact number %d", i),
			Category:   memory.CategoryContext,
			Importance: 0.5,
		}); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	cfg := *memory.DefaultConfig
	cfg.RetrieveTimeout = 20 * time.Millisecond
	slow, err := memory.NewManager(&slowStore{Store: store, delay: 100 * time.Millisecond}, mock.New(managerDims), &cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	// The deadline expires while candidates are in flight: the request
	// returns the ranked subset scored so far, not an error.
	results, err := slow.Retrieve(ctx, "alice", "slow fact", 5, nil)
	if err != nil {
		t.Fatalf("Expected partial result on deadline, got error: %v", err)
	}
	if len(results) >= 5 {
		t.Errorf("Expected a partial subset, got all %d results", len(results))
	}

	// The same data answers fully without the artificial delay.
	results, err = manager.Retrieve(ctx, "alice", "slow fact", 5, nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("Expected 5 results without delay, got %d", len(results))
	}
}

func TestManagerBulkRetrieveUnderDeadline(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t, nil)
	embedder := mock.New(managerDims)

	// Seed directly through the store so ingest dedup doesn't slow the
	// bulk load down.
	for i := 0; i < 10000; i++ {
		content := fmt.Sprintf("bulk fact number %d", i)
		embedding, err := embedder.Embed(ctx, content)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		rec, err := memory.NewRecord("alice", content, memory.CategoryContext, 0.5, embedding, 0)
		if err != nil {
			t.Fatalf("NewRecord failed: %v", err)
		}
		if err := store.Add(ctx, rec); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	results, err := manager.Retrieve(ctx, "alice", "bulk fact number 4242", 5, nil)
	if err != nil {
		t.Fatalf("Retrieve over bulk store failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Expected 5 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Composite > results[i-1].Composite {
			t.Errorf("Results not sorted by composite descending at %d", i)
		}
	}
	if results[0].Record.Content != "bulk fact number 4242" {
		t.Errorf("Exact-text query did not rank its record first: %q", results[0].Record.Content)
	}
}

// stallingEmbedder blocks until the caller's context expires.
type stallingEmbedder struct {
	dims int
}

func (e *stallingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (e *stallingEmbedder) Dimensions() int { return e.dims }

func TestManagerDeadlineBoundsEmbedding(t *testing.T) {
	store, err := chromem.New(managerDims)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	cfg := *memory.DefaultConfig
	cfg.RetrieveTimeout = 20 * time.Millisecond
	manager, err := memory.NewManager(store, &stallingEmbedder{dims: managerDims}, &cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	start := time.Now()
	_, err = manager.Retrieve(context.Background(), "alice", "anything", 5, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error from stalled embedder, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Embedding not bounded by the retrieval deadline (took %s)", elapsed)
	}
}

func TestManagerStats(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	facts := []memory.CandidateFact{
		{Content: "likes tea", Category: memory.CategoryPreference, Importance: 0.6},
		{Content: "likes hiking", Category: memory.CategoryPreference, Importance: 0.4},
		{Content: "allergic to cats", Category: memory.CategoryConstraint, Importance: 0.8},
	}
	for _, fact := range facts {
		if _, err := manager.AddCandidate(ctx, "alice", fact); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	stats, err := manager.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Expected 3 memories, got %d", stats.Total)
	}
	if stats.ByCategory[memory.CategoryPreference] != 2 {
		t.Errorf("Expected 2 preferences, got %d", stats.ByCategory[memory.CategoryPreference])
	}
	if math.Abs(stats.AvgImportance-0.6) > 1e-9 {
		t.Errorf("Expected average importance 0.6, got %f", stats.AvgImportance)
	}
}
