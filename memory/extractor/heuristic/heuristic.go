// Package heuristic implements keyword-based fact extraction. It needs
// no API key, which makes it the default for local development and the
// fallback when no LLM extractor is configured.
package heuristic

import (
	"context"
	"strings"

	"github.com/becomeliminal/recall/memory"
)

// cue maps a trigger phrase to the category and importance of the fact
// it usually signals.
type cue struct {
	phrase     string
	category   memory.Category
	importance float64
}

// Order matters: the first matching cue wins, so the strongest signals
// come first.
var cues = []cue{
	{"allergic", memory.CategoryConstraint, 0.95},
	{"never", memory.CategoryConstraint, 0.8},
	{"always", memory.CategoryInstruction, 0.75},
	{"remember", memory.CategoryInstruction, 0.9},
	{"my name is", memory.CategoryPersonalInfo, 0.9},
	{"i live in", memory.CategoryPersonalInfo, 0.8},
	{"i work", memory.CategoryPersonalInfo, 0.7},
	{"my wife", memory.CategoryRelationship, 0.7},
	{"my husband", memory.CategoryRelationship, 0.7},
	{"my friend", memory.CategoryRelationship, 0.6},
	{"i promised", memory.CategoryCommitment, 0.8},
	{"i will", memory.CategoryCommitment, 0.6},
	{"i prefer", memory.CategoryPreference, 0.7},
	{"i like", memory.CategoryPreference, 0.6},
	{"i hate", memory.CategoryPreference, 0.65},
	{"important", memory.CategoryContext, 0.7},
	{"note", memory.CategoryContext, 0.6},
}

// Extractor extracts facts by scanning sentences for cue phrases.
type Extractor struct{}

// New creates a heuristic extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract splits the window into sentences and keeps the ones containing
// a cue phrase. Confidence is fixed low; heuristics guess, they don't know.
func (e *Extractor) Extract(ctx context.Context, conversationWindow string, profileContext string) ([]memory.CandidateFact, error) {
	var facts []memory.CandidateFact
	for _, sentence := range splitSentences(conversationWindow) {
		lower := strings.ToLower(sentence)
		for _, c := range cues {
			if !strings.Contains(lower, c.phrase) {
				continue
			}
			facts = append(facts, memory.CandidateFact{
				Content:    sentence,
				Category:   c.category,
				Importance: c.importance,
				Confidence: 0.5,
			})
			break
		}
	}
	return facts, nil
}

func splitSentences(text string) []string {
	var out []string
	for _, chunk := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}
