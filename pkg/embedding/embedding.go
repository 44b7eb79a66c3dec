// Package embedding wraps an OpenAI-compatible endpoint for turning text
// into fixed-dimension vectors and for LLM-based reranking, grounded on
// the teacher's pkg/model/provider/openai/client.go.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// Dimension is the fixed vector width every knowledge base's vector
// table assumes.
const Dimension = 512

const maxBatchSize = 2048

// Service embeds text against a single configured model. Calls are
// serialized through mu since the underlying SDK client is not
// documented as safe for concurrent streaming elsewhere in this system
// and embedding batches are already coarse-grained.
type Service struct {
	mu     sync.Mutex
	client *openai.Client
	model  string
}

// New builds a Service against an OpenAI-compatible endpoint.
func New(baseURL, apiKey, model string) *Service {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Service{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// RetrievalInstructionPrefix is prepended to query text (but never to
// stored document chunks) before embedding, the asymmetric
// instruction-tuned-embedding convention this system's model assumes.
const RetrievalInstructionPrefix = "Represent this query for retrieving relevant documents: "

// EmbedQuery embeds text as a search query, applying
// RetrievalInstructionPrefix.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([Dimension]float32, error) {
	return s.Embed(ctx, RetrievalInstructionPrefix+text)
}

// Embed returns the fixed-width embedding vector for a single string.
func (s *Service) Embed(ctx context.Context, text string) ([Dimension]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return [Dimension]float32{}, err
	}
	if len(vectors) == 0 {
		return [Dimension]float32{}, apperror.System("embedding", fmt.Errorf("no embedding returned"))
	}
	return vectors[0], nil
}

// EmbedBatch embeds up to maxBatchSize texts in one request.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][Dimension]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxBatchSize {
		return nil, apperror.Business(fmt.Sprintf("batch size %d exceeds limit of %d", len(texts), maxBatchSize), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("creating embeddings", "model", s.model, "batch_size", len(texts))

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, apperror.System("creating embeddings", err)
	}

	out := make([][Dimension]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != Dimension {
			return nil, apperror.System("embedding", fmt.Errorf("expected %d dims, got %d", Dimension, len(d.Embedding)))
		}
		var vec [Dimension]float32
		copy(vec[:], d.Embedding)
		out[i] = vec
	}
	return out, nil
}

// ScoredDoc is one reranked candidate, matched back to its original
// index in the documents slice passed to Rerank.
type ScoredDoc struct {
	Index int
	Score float64
}

// Rerank asks the service's own configured model, through the
// chat-completions endpoint, to score each document's relevance to
// query, parroting the teacher's LLM-based reranking approach (no
// dedicated cross-encoder reranker library appears anywhere in the
// retrieved corpus).
func (s *Service) Rerank(ctx context.Context, query string, documents []string) ([]ScoredDoc, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nRate each document's relevance to the query on a 0 to 1 scale. "+
		"Respond with JSON: {\"scores\": [<score for doc 1>, <score for doc 2>, ...]}\n\n", query)
	for i, d := range documents {
		fmt.Fprintf(&b, "Document %d:\n%s\n\n", i+1, d)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return nil, apperror.System("reranking", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperror.System("reranking", fmt.Errorf("no choices returned"))
	}

	scores, err := parseRerankScores(resp.Choices[0].Message.Content, len(documents))
	if err != nil {
		return nil, apperror.System("parsing rerank scores", err)
	}

	out := make([]ScoredDoc, len(scores))
	for i, sc := range scores {
		out[i] = ScoredDoc{Index: i, Score: sc}
	}
	return out, nil
}

func parseRerankScores(raw string, expected int) ([]float64, error) {
	type rerankResponse struct {
		Scores []float64 `json:"scores"`
	}

	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var rr rerankResponse
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}
	if len(rr.Scores) != expected {
		return nil, fmt.Errorf("expected %d scores, got %d", expected, len(rr.Scores))
	}
	return rr.Scores, nil
}
