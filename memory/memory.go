package memory

import (
	"context"
)

// Match pairs a record with its cosine similarity to a query embedding.
type Match struct {
	Record     *Record
	Similarity float64
}

// SearchResult is a ranked retrieval hit.
type SearchResult struct {
	Record     *Record
	Similarity float64 // pure semantic similarity
	Composite  float64 // blended relevance score
}

// MergeRef identifies a record plus the version the caller last observed.
// Store.Merge and Store.Prune reject the operation with ErrVersionConflict
// if the record has moved on.
type MergeRef struct {
	ID      string
	Version uint64
}

// Store is the persistence and similarity-index backend.
//
// Every operation is scoped to exactly one owner; implementations must
// never compare or rank records across owners. Writes for one owner are
// serialized; reads observe the last-committed state and never a
// partially written record (a record and its index entry commit as one
// unit, or not at all).
//
// Implementations: chromem.Store (embedded, in-process).
type Store interface {
	// Add persists an ACTIVE record atomically with its index entry.
	// Rejects dimension mismatches and duplicate IDs.
	Add(ctx context.Context, rec *Record) error

	// Get returns a copy of the record, in any status, or ErrNotFound.
	Get(ctx context.Context, owner, id string) (*Record, error)

	// UpdateAccess bumps access statistics on an ACTIVE record.
	// ErrNotFound if the record is absent or terminal.
	UpdateAccess(ctx context.Context, owner, id string) error

	// Forget tombstones a record (status DELETED). A repeat call is a
	// no-op returning ErrNotFound.
	Forget(ctx context.Context, owner, id string) error

	// HardDelete tombstones and erases the record's storage.
	HardDelete(ctx context.Context, owner, id string) error

	// NearestNeighbors returns up to k ACTIVE records for the owner,
	// ranked by cosine similarity descending. If categories is non-empty
	// the candidate set is restricted before ranking. Fewer than k
	// candidates means all of them are returned.
	NearestNeighbors(ctx context.Context, owner string, query []float32, k int, categories []Category) ([]Match, error)

	// ListByOwner returns copies of all ACTIVE records for export and
	// audit. The listing is sufficient to reconstruct the store
	// (embeddings included) via Load, without re-embedding.
	ListByOwner(ctx context.Context, owner string) ([]*Record, error)

	// Load rebuilds store state from an export listing (cold start).
	Load(ctx context.Context, recs []*Record) error

	// Owners lists every owner namespace with at least one record.
	Owners(ctx context.Context) ([]string, error)

	// Merge folds src into dst under the owner's write lock: dst keeps
	// its content and importance, absorbs src's access count (capped),
	// takes the earlier CreatedAt and the later LastAccessedAt; src
	// becomes SUPERSEDED and leaves the index. Both version checks must
	// pass or nothing changes.
	Merge(ctx context.Context, owner string, dst, src MergeRef, accessCap int) (*Record, error)

	// Prune transitions an ACTIVE record to PRUNED after a version check.
	Prune(ctx context.Context, owner string, ref MergeRef) error

	// Dimensions returns the embedding dimension fixed at construction.
	Dimensions() int

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (testing), onnx.Embedder (local ONNX
// runtime, behind the onnx build tag).
type Embedder interface {
	// Embed converts a single text to an embedding vector of fixed length.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// CandidateFact is one fact proposed by an Extractor. The core treats
// extraction as opaque; malformed candidates (importance outside [0,1],
// unknown category, empty content) are rejected before reaching the Store.
type CandidateFact struct {
	Content    string
	Category   Category
	Importance float64
	Confidence float64
	SourceTurn int
}

// Validate screens a candidate before persistence.
func (f CandidateFact) Validate() error {
	if f.Content == "" {
		return &ValidationError{Field: "content", Reason: "content must not be empty"}
	}
	if !f.Category.Valid() {
		return &ValidationError{Field: "category", Reason: "unknown category"}
	}
	if f.Importance < 0 || f.Importance > 1 {
		return &ValidationError{Field: "importance", Reason: "importance must be in [0,1]"}
	}
	return nil
}

// Extractor converts a conversation window into candidate facts.
// Implementations: claude.Extractor (LLM-based), heuristic.Extractor
// (keyword-based, no API key needed).
type Extractor interface {
	Extract(ctx context.Context, conversationWindow string, profileContext string) ([]CandidateFact, error)
}

// AddOutcome reports what AddCandidate did with a fact: either a fresh
// record was persisted (ID set) or the fact reinforced a near-duplicate
// (MergedInto set to the existing record's ID).
type AddOutcome struct {
	ID         string
	MergedInto string
}

// Merged reports whether the candidate was folded into an existing record.
func (o AddOutcome) Merged() bool {
	return o.MergedInto != ""
}
