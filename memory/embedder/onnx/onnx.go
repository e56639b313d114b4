//go:build onnx

// Package onnx provides a local embedder backed by ONNX Runtime, for
// offline semantic search with sentence-transformer models such as
// all-MiniLM-L6-v2.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

const maxSeqLen = 128

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json vocabulary.
	TokenizerPath string

	// SharedLibraryPath locates libonnxruntime; empty uses the runtime's
	// default search.
	SharedLibraryPath string

	// Dimensions is the embedding size (default 384, all-MiniLM-L6-v2).
	Dimensions int
}

// Embedder runs sentence-transformer inference through ONNX Runtime and
// mean-pools the hidden states into a normalized embedding.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	vocab      map[string]int
	dimensions int
}

// New creates an ONNX embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Embedder{
		session:    session,
		vocab:      vocab,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed converts text to a normalized embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	inputIDs, attentionMask := e.encode(text)
	tokenTypeIDs := make([]int64, maxSeqLen)

	shape := ort.NewShape(1, int64(maxSeqLen))
	inputs := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{inputIDs, attentionMask, tokenTypeIDs} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			for _, t := range inputs {
				t.Destroy()
			}
			return nil, fmt.Errorf("create input tensor: %w", err)
		}
		inputs = append(inputs, tensor)
	}
	defer func() {
		for _, t := range inputs {
			t.Destroy()
		}
	}()

	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	return e.pool(tensor, attentionMask)
}

// pool mean-pools the hidden states over attended tokens and normalizes.
func (e *Embedder) pool(tensor *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := tensor.GetData()
	shape := tensor.GetShape()
	if len(shape) != 3 || shape[0] != 1 || shape[2] != int64(e.dimensions) {
		return nil, fmt.Errorf("unexpected output shape %v, want [1 seq %d]", shape, e.dimensions)
	}

	embedding := make([]float32, e.dimensions)
	var attended float32
	for i := 0; i < int(shape[1]); i++ {
		if i >= len(attentionMask) || attentionMask[i] == 0 {
			continue
		}
		attended++
		offset := i * e.dimensions
		for j := 0; j < e.dimensions; j++ {
			embedding[j] += data[offset+j]
		}
	}
	if attended == 0 {
		return nil, fmt.Errorf("no attended tokens")
	}

	var norm float32
	for j := range embedding {
		embedding[j] /= attended
		norm += embedding[j] * embedding[j]
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for j := range embedding {
			embedding[j] /= norm
		}
	}
	return embedding, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// BERT special token IDs for the standard WordPiece vocabulary.
const (
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

// encode lowercases, WordPiece-tokenizes, and frames the text with [CLS]
// and [SEP], padded to maxSeqLen.
func (e *Embedder) encode(text string) (inputIDs, attentionMask []int64) {
	inputIDs = make([]int64, maxSeqLen)
	attentionMask = make([]int64, maxSeqLen)

	inputIDs[0] = clsToken
	attentionMask[0] = 1
	pos := 1

	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		for _, id := range e.wordPiece(word) {
			if pos >= maxSeqLen-1 {
				break
			}
			inputIDs[pos] = id
			attentionMask[pos] = 1
			pos++
		}
	}

	inputIDs[pos] = sepToken
	attentionMask[pos] = 1
	return inputIDs, attentionMask
}

// wordPiece greedily matches the longest vocabulary prefix, marking
// continuations with the "##" prefix.
func (e *Embedder) wordPiece(word string) []int64 {
	if id, ok := e.vocab[word]; ok {
		return []int64{int64(id)}
	}

	var ids []int64
	start := 0
	for start < len(word) {
		matched := false
		for end := len(word); end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := e.vocab[piece]; ok {
				ids = append(ids, int64(id))
				start = end
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, unkToken)
			start++
		}
	}
	return ids
}

// loadVocab reads the WordPiece vocabulary from a tokenizer.json file.
func loadVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed.Model.Vocab, nil
}
