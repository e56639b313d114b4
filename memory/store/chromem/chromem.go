// Package chromem implements memory.Store on chromem-go, a pure Go
// embedded vector database.
//
// The authoritative record table lives in per-owner maps guarded by
// per-owner locks; chromem collections serve as the similarity index.
// Each owner gets their own collection, so cross-owner comparison is
// structurally impossible. Only ACTIVE records have index entries: a
// record leaving ACTIVE is deleted from its collection in the same
// locked section as the status transition.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/recall/memory"
)

// Store is the chromem-backed memory store.
type Store struct {
	db     *chromem.DB
	dims   int
	closed atomic.Bool

	mu     sync.RWMutex // guards the owners map itself
	owners map[string]*ownerSpace
}

// ownerSpace is one owner's namespace: record table, index collection,
// and the owner-scoped lock that serializes writes. Reads take the
// read side and never observe a partially written record.
type ownerSpace struct {
	mu      sync.RWMutex
	records map[string]*memory.Record
	col     *chromem.Collection
}

// New creates a store with the given embedding dimension. The dimension
// is fixed for the store's lifetime; every Add validates against it.
func New(dims int) (*Store, error) {
	if dims <= 0 {
		return nil, &memory.ValidationError{Field: "dimensions", Reason: "dimension must be positive"}
	}
	return &Store{
		db:     chromem.NewDB(),
		dims:   dims,
		owners: make(map[string]*ownerSpace),
	}, nil
}

// Dimensions returns the embedding dimension fixed at construction.
func (s *Store) Dimensions() int {
	return s.dims
}

// space returns the owner's namespace, creating it when create is set.
func (s *Store) space(owner string, create bool) (*ownerSpace, error) {
	s.mu.RLock()
	sp, ok := s.owners[owner]
	s.mu.RUnlock()
	if ok || !create {
		return sp, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.owners[owner]; ok {
		return sp, nil
	}

	col, err := s.db.CreateCollection("owner_"+owner, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	sp = &ownerSpace{
		records: make(map[string]*memory.Record),
		col:     col,
	}
	s.owners[owner] = sp
	return sp, nil
}

// Add persists an ACTIVE record and its index entry as one unit. If the
// index write fails, the record table is untouched.
func (s *Store) Add(ctx context.Context, rec *memory.Record) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	if err := s.validate(rec); err != nil {
		return err
	}

	sp, err := s.space(rec.Owner, true)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if _, exists := sp.records[rec.ID]; exists {
		return &memory.ValidationError{Field: "id", Reason: "duplicate record id " + rec.ID}
	}

	if err := sp.col.AddDocument(ctx, indexDocument(rec)); err != nil {
		return fmt.Errorf("add index entry: %w", err)
	}
	sp.records[rec.ID] = rec.Clone()

	log.Printf("[CHROMEM] Stored record id=%s owner=%s category=%s", rec.ID, rec.Owner, rec.Category)
	return nil
}

func (s *Store) validate(rec *memory.Record) error {
	if rec.Owner == "" {
		return &memory.ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if rec.ID == "" {
		return &memory.ValidationError{Field: "id", Reason: "id must not be empty"}
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return &memory.ValidationError{Field: "importance", Reason: "importance must be in [0,1]"}
	}
	if len(rec.Embedding) != s.dims {
		return &memory.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d does not match store dimension %d", len(rec.Embedding), s.dims),
		}
	}
	if rec.LastAccessedAt.Before(rec.CreatedAt) {
		return &memory.ValidationError{Field: "last_accessed_at", Reason: "last accessed before creation"}
	}
	return nil
}

// Get returns a copy of the record in any status, or ErrNotFound.
func (s *Store) Get(ctx context.Context, owner, id string) (*memory.Record, error) {
	if s.closed.Load() {
		return nil, memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return nil, memory.ErrNotFound
	}

	sp.mu.RLock()
	defer sp.mu.RUnlock()
	rec, ok := sp.records[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return rec.Clone(), nil
}

// UpdateAccess touches an ACTIVE record: last-accessed timestamp moves to
// now, access count increments. Absent or terminal records are ErrNotFound.
func (s *Store) UpdateAccess(ctx context.Context, owner, id string) error {
	return s.mutateActive(owner, id, func(rec *memory.Record) error {
		rec.LastAccessedAt = time.Now().UTC()
		rec.AccessCount++
		return nil
	})
}

// Forget tombstones a record. A repeat call finds the record already
// terminal and returns ErrNotFound: idempotent, no duplicate side effect.
func (s *Store) Forget(ctx context.Context, owner, id string) error {
	return s.transition(ctx, owner, id, memory.StatusDeleted)
}

// HardDelete tombstones the record and erases its storage.
func (s *Store) HardDelete(ctx context.Context, owner, id string) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return memory.ErrNotFound
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	rec, ok := sp.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	if rec.Status == memory.StatusActive {
		if err := sp.col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("delete index entry: %w", err)
		}
	}
	delete(sp.records, id)
	log.Printf("[CHROMEM] Hard-deleted record id=%s owner=%s", id, owner)
	return nil
}

// transition moves an ACTIVE record to a terminal status and removes its
// index entry in the same locked section.
func (s *Store) transition(ctx context.Context, owner, id string, next memory.Status) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return memory.ErrNotFound
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	rec, ok := sp.records[id]
	if !ok || !rec.Status.CanTransition(next) {
		return memory.ErrNotFound
	}
	if err := sp.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}
	rec.Status = next
	rec.Version++
	log.Printf("[CHROMEM] Record id=%s owner=%s -> %s", id, owner, next)
	return nil
}

// mutateActive applies fn to an ACTIVE record under the owner lock and
// bumps its version.
func (s *Store) mutateActive(owner, id string, fn func(*memory.Record) error) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return memory.ErrNotFound
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	rec, ok := sp.records[id]
	if !ok || rec.Status != memory.StatusActive {
		return memory.ErrNotFound
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.Version++
	return nil
}

// NearestNeighbors returns up to k ACTIVE records ranked by cosine
// similarity descending, restricted to the given categories when present.
func (s *Store) NearestNeighbors(ctx context.Context, owner string, query []float32, k int, categories []memory.Category) ([]memory.Match, error) {
	if s.closed.Load() {
		return nil, memory.ErrStoreUnavailable
	}
	if owner == "" {
		return nil, &memory.ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if len(query) != s.dims {
		return nil, &memory.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("query dimension %d does not match store dimension %d", len(query), s.dims),
		}
	}
	if k <= 0 {
		return nil, nil
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return nil, nil
	}

	results, err := s.queryIndex(ctx, sp, query, k, categories)
	if err != nil {
		return nil, err
	}

	sp.mu.RLock()
	defer sp.mu.RUnlock()

	matches := make([]memory.Match, 0, len(results))
	for _, res := range results {
		rec, ok := sp.records[res.ID]
		if !ok || rec.Status != memory.StatusActive {
			continue
		}
		if rec.Owner != owner {
			return nil, &memory.OwnerIsolationError{Requested: owner, Got: rec.Owner}
		}
		matches = append(matches, memory.Match{
			Record:     rec.Clone(),
			Similarity: float64(res.Similarity),
		})
	}
	return matches, nil
}

// queryIndex runs the similarity query with any category restriction
// pushed into the index, so off-category records never consume the k
// budget. chromem's where clause matches a single value, so a
// multi-category filter becomes one query per category, merged by
// similarity descending and cut back to k.
func (s *Store) queryIndex(ctx context.Context, sp *ownerSpace, query []float32, k int, categories []memory.Category) ([]chromem.Result, error) {
	if len(categories) == 0 {
		return s.querySingle(ctx, sp, query, k, nil)
	}

	var merged []chromem.Result
	for _, cat := range categories {
		results, err := s.querySingle(ctx, sp, query, k, map[string]string{"category": cat.String()})
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}
	if len(categories) > 1 {
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Similarity > merged[j].Similarity
		})
		if len(merged) > k {
			merged = merged[:k]
		}
	}
	return merged, nil
}

// querySingle issues one QueryEmbedding. chromem rejects nResults larger
// than the (filtered) document count; back off until the query fits.
func (s *Store) querySingle(ctx context.Context, sp *ownerSpace, query []float32, k int, where map[string]string) ([]chromem.Result, error) {
	limit := k
	if count := sp.col.Count(); count < limit {
		limit = count
	}
	for ; limit >= 1; limit-- {
		results, err := sp.col.QueryEmbedding(ctx, query, limit, where, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	return nil, nil
}

// ListByOwner returns copies of all ACTIVE records, oldest first, with
// embeddings included. The listing alone reconstructs the store via Load.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*memory.Record, error) {
	if s.closed.Load() {
		return nil, memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return nil, nil
	}

	sp.mu.RLock()
	defer sp.mu.RUnlock()

	var out []*memory.Record
	for _, rec := range sp.records {
		if rec.Status != memory.StatusActive {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Load rebuilds store state from an export listing without re-embedding.
// ACTIVE records are re-indexed; terminal records are kept in the table
// only.
func (s *Store) Load(ctx context.Context, recs []*memory.Record) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	for _, rec := range recs {
		if err := s.validate(rec); err != nil {
			return err
		}
		sp, err := s.space(rec.Owner, true)
		if err != nil {
			return err
		}

		sp.mu.Lock()
		if _, exists := sp.records[rec.ID]; exists {
			sp.mu.Unlock()
			return &memory.ValidationError{Field: "id", Reason: "duplicate record id " + rec.ID}
		}
		if rec.Status == memory.StatusActive {
			if err := sp.col.AddDocument(ctx, indexDocument(rec)); err != nil {
				sp.mu.Unlock()
				return fmt.Errorf("reindex record %s: %w", rec.ID, err)
			}
		}
		sp.records[rec.ID] = rec.Clone()
		sp.mu.Unlock()
	}
	log.Printf("[CHROMEM] Loaded %d records", len(recs))
	return nil
}

// Owners lists every owner namespace with at least one record.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, memory.ErrStoreUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

// Merge folds src into dst under the owner lock. Both records must be
// ACTIVE and at the versions the caller observed; otherwise nothing
// changes and the caller gets ErrVersionConflict (or ErrNotFound when a
// record already left ACTIVE).
func (s *Store) Merge(ctx context.Context, owner string, dst, src memory.MergeRef, accessCap int) (*memory.Record, error) {
	if s.closed.Load() {
		return nil, memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return nil, memory.ErrNotFound
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	dstRec, ok := sp.records[dst.ID]
	if !ok || dstRec.Status != memory.StatusActive {
		return nil, memory.ErrNotFound
	}
	srcRec, ok := sp.records[src.ID]
	if !ok || srcRec.Status != memory.StatusActive {
		return nil, memory.ErrNotFound
	}
	if dstRec.Version != dst.Version || srcRec.Version != src.Version {
		return nil, memory.ErrVersionConflict
	}

	if err := sp.col.Delete(ctx, nil, nil, src.ID); err != nil {
		return nil, fmt.Errorf("delete superseded index entry: %w", err)
	}

	dstRec.AccessCount += srcRec.AccessCount
	if accessCap > 0 && dstRec.AccessCount > accessCap {
		dstRec.AccessCount = accessCap
	}
	if srcRec.CreatedAt.Before(dstRec.CreatedAt) {
		dstRec.CreatedAt = srcRec.CreatedAt
	}
	if srcRec.LastAccessedAt.After(dstRec.LastAccessedAt) {
		dstRec.LastAccessedAt = srcRec.LastAccessedAt
	}
	dstRec.Version++
	srcRec.Status = memory.StatusSuperseded
	srcRec.Version++

	log.Printf("[CHROMEM] Merged record %s into %s (owner=%s)", src.ID, dst.ID, owner)
	return dstRec.Clone(), nil
}

// Prune transitions an ACTIVE record to PRUNED after a version check.
func (s *Store) Prune(ctx context.Context, owner string, ref memory.MergeRef) error {
	if s.closed.Load() {
		return memory.ErrStoreUnavailable
	}
	sp, err := s.space(owner, false)
	if err != nil || sp == nil {
		return memory.ErrNotFound
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	rec, ok := sp.records[ref.ID]
	if !ok || rec.Status != memory.StatusActive {
		return memory.ErrNotFound
	}
	if rec.Version != ref.Version {
		return memory.ErrVersionConflict
	}
	if err := sp.col.Delete(ctx, nil, nil, ref.ID); err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}
	rec.Status = memory.StatusPruned
	rec.Version++
	log.Printf("[CHROMEM] Pruned record id=%s owner=%s", ref.ID, owner)
	return nil
}

// Close marks the store unavailable. Subsequent operations return
// ErrStoreUnavailable; chromem keeps everything in process memory, so
// there is nothing else to release.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// indexDocument builds the chromem document for an ACTIVE record. The
// index carries only what similarity search and category push-down need;
// the record table stays authoritative for everything else.
func indexDocument(rec *memory.Record) chromem.Document {
	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"owner":    rec.Owner,
			"category": rec.Category.String(),
		},
	}
}

// isInsufficientDocsError checks whether a chromem query failed only
// because nResults exceeded the collection's document count.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
