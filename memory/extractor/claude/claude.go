// Package claude implements fact extraction with the Anthropic API.
// Claude reads a conversation window and proposes candidate facts; the
// memory core screens and deduplicates them before persistence.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/recall/memory"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
)

const systemPrompt = `You extract durable facts about the user from conversation transcripts.

Return ONLY a JSON array. Each element:
  {"content": "<one self-contained fact>",
   "category": "<preference|commitment|relationship|constraint|instruction|context|personal_info>",
   "importance": <0.0-1.0>,
   "confidence": <0.0-1.0>}

Rules:
- Extract only facts worth remembering across conversations (preferences, commitments, relationships, constraints like allergies, standing instructions, personal details).
- Skip small talk, transient context, and anything already in the known profile.
- Return [] when nothing qualifies.`

// Extractor proposes candidate facts via the Claude API.
type Extractor struct {
	client *anthropic.Client
	model  string
}

// New creates a Claude-backed extractor. An empty model uses the default.
func New(client *anthropic.Client, model string) *Extractor {
	if model == "" {
		model = defaultModel
	}
	return &Extractor{client: client, model: model}
}

// wireFact is the JSON shape Claude is asked to produce.
type wireFact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Confidence float64 `json:"confidence"`
}

// Extract asks Claude for candidate facts in the conversation window.
// Malformed entries are dropped here, before they reach the store.
func (e *Extractor) Extract(ctx context.Context, conversationWindow string, profileContext string) ([]memory.CandidateFact, error) {
	var prompt strings.Builder
	if profileContext != "" {
		prompt.WriteString("Known profile:\n")
		prompt.WriteString(profileContext)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Conversation:\n")
	prompt.WriteString(conversationWindow)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	wire, err := parseFacts(text)
	if err != nil {
		return nil, err
	}

	facts := make([]memory.CandidateFact, 0, len(wire))
	for _, wf := range wire {
		category, err := memory.ParseCategory(wf.Category)
		if err != nil {
			log.Printf("[EXTRACT] Dropped fact with unknown category %q", wf.Category)
			continue
		}
		fact := memory.CandidateFact{
			Content:    strings.TrimSpace(wf.Content),
			Category:   category,
			Importance: wf.Importance,
			Confidence: wf.Confidence,
		}
		if err := fact.Validate(); err != nil {
			log.Printf("[EXTRACT] Dropped malformed fact: %v", err)
			continue
		}
		facts = append(facts, fact)
	}

	log.Printf("[EXTRACT] Claude proposed %d facts, %d accepted", len(wire), len(facts))
	return facts, nil
}

// parseFacts unmarshals the model's JSON array, tolerating a markdown
// code fence around it.
func parseFacts(text string) ([]wireFact, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" || text == "[]" {
		return nil, nil
	}
	var wire []wireFact
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return wire, nil
}
