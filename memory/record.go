package memory

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a memory fact. The set is closed: every consumer
// (scoring, filtering, consolidation) switches exhaustively over it, so
// adding a category is a compile-time-visible change.
type Category int

const (
	CategoryPreference Category = iota
	CategoryCommitment
	CategoryRelationship
	CategoryConstraint
	CategoryInstruction
	CategoryContext
	CategoryPersonalInfo

	numCategories
)

var categoryNames = [...]string{
	CategoryPreference:   "preference",
	CategoryCommitment:   "commitment",
	CategoryRelationship: "relationship",
	CategoryConstraint:   "constraint",
	CategoryInstruction:  "instruction",
	CategoryContext:      "context",
	CategoryPersonalInfo: "personal_info",
}

// String returns the wire name of the category.
func (c Category) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return categoryNames[c]
}

// Valid reports whether c is one of the seven known categories.
func (c Category) Valid() bool {
	return c >= 0 && c < numCategories
}

// ParseCategory maps a wire name back to a Category.
// Unknown names are a validation error, never silently coerced.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return Category(c), nil
		}
	}
	return 0, &ValidationError{Field: "category", Reason: "unknown category " + s}
}

// Categories returns all categories in declaration order.
func Categories() []Category {
	out := make([]Category, numCategories)
	for i := range out {
		out[i] = Category(i)
	}
	return out
}

// Status is the lifecycle state of a record. Transitions only move
// forward: ACTIVE to exactly one terminal state, never back.
type Status int

const (
	StatusActive Status = iota
	StatusSuperseded
	StatusPruned
	StatusDeleted
)

var statusNames = [...]string{
	StatusActive:     "active",
	StatusSuperseded: "superseded",
	StatusPruned:     "pruned",
	StatusDeleted:    "deleted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return s == StatusActive && next.Terminal()
}

// Record is a single persisted fact about one owner.
//
// Importance is the immutable baseline assigned at creation; the current
// effective importance is derived from it by decay (see Scorer). Version
// is an optimistic-concurrency counter bumped on every mutation, used by
// consolidation to detect racing passes.
type Record struct {
	ID             string
	Owner          string
	Content        string
	Category       Category
	Importance     float64
	Embedding      []float32
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	SourceTurn     int
	Status         Status
	Version        uint64
}

// NewRecord validates a candidate fact and builds an ACTIVE record with a
// fresh ID. Embedding dimension is validated by the store at Add time,
// where the configured dimension is known.
func NewRecord(owner, content string, category Category, importance float64, embedding []float32, sourceTurn int) (*Record, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner must not be empty"}
	}
	if content == "" {
		return nil, &ValidationError{Field: "content", Reason: "content must not be empty"}
	}
	if !category.Valid() {
		return nil, &ValidationError{Field: "category", Reason: "unknown category"}
	}
	if importance < 0 || importance > 1 {
		return nil, &ValidationError{Field: "importance", Reason: "importance must be in [0,1]"}
	}
	if len(embedding) == 0 {
		return nil, &ValidationError{Field: "embedding", Reason: "embedding must not be empty"}
	}
	now := time.Now().UTC()
	return &Record{
		ID:             uuid.New().String(),
		Owner:          owner,
		Content:        content,
		Category:       category,
		Importance:     importance,
		Embedding:      embedding,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		SourceTurn:     sourceTurn,
		Status:         StatusActive,
	}, nil
}

// Clone returns a deep copy, so callers can hand records out without
// exposing store-internal state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Embedding = make([]float32, len(r.Embedding))
	copy(cp.Embedding, r.Embedding)
	return &cp
}
