// Package chat is the serving path: retrieve matching properties from the
// active index, generate an answer, and emit one metric record per query.
//
// Monitoring is strictly fire-and-forget here. A failure to record a metric
// never fails the chat request.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/knowledge"
	"github.com/propbot/propbot/internal/metrics"
)

// DefaultTopK is how many documents retrieval returns when the caller does
// not configure otherwise.
const DefaultTopK = 5

// ErrEmptyQuery rejects blank queries before any model call.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrGenerationFailed wraps model errors so the API layer can map them
// without inspecting provider-specific failures.
var ErrGenerationFailed = errors.New("answer generation failed")

const systemPrompt = `You are PropBot, a property search assistant. Answer using
only the property listings provided as context. When no listing matches, say so
instead of inventing properties.`

// Request is one chat turn.
type Request struct {
	Query string `json:"query"`

	// ConversationID threads turns together. Empty starts a new conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// Satisfaction optionally rates the PREVIOUS answer in this conversation,
	// in [0,1]. It arrives with the follow-up turn so metric records stay
	// immutable; the rating is stored on the new turn's record.
	Satisfaction *float64 `json:"satisfaction,omitempty"`
}

// Source is one retrieved listing backing the answer.
type Source struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Response is the generated answer with its sources.
type Response struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Answer         string    `json:"answer"`
	Sources        []Source  `json:"sources,omitempty"`
}

// Retriever searches the active index; *knowledge.Store satisfies it.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.Result, error)
}

// Observer accepts metric records without blocking; *metrics.Recorder
// satisfies it.
type Observer interface {
	Observe(rec metrics.Record)
}

// Service answers chat queries.
type Service struct {
	g         *genkit.Genkit
	retriever Retriever
	observer  Observer
	modelName string
	topK      int
	logger    *slog.Logger
}

// NewService creates a chat Service. observer may be nil (monitoring
// disabled); topK <= 0 uses DefaultTopK.
func NewService(g *genkit.Genkit, retriever Retriever, observer Observer, modelName string, topK int, logger *slog.Logger) (*Service, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		g:         g,
		retriever: retriever,
		observer:  observer,
		modelName: modelName,
		topK:      topK,
		logger:    logger,
	}, nil
}

// Answer serves one chat turn. The metric record is emitted on every path,
// success or failure.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}

	conversationID := uuid.New()
	if req.ConversationID != "" {
		parsed, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return Response{}, fmt.Errorf("invalid conversation id %q: %w", req.ConversationID, err)
		}
		conversationID = parsed
	}

	start := time.Now()
	rec := metrics.Record{
		ConversationID: conversationID,
		QueryChars:     len([]rune(query)),
		Satisfaction:   req.Satisfaction,
	}
	defer func() {
		rec.LatencyMS = time.Since(start).Milliseconds()
		if s.observer != nil {
			s.observer.Observe(rec)
		}
	}()

	results, err := s.retriever.Search(ctx, query, s.topK)
	if err != nil {
		return Response{}, fmt.Errorf("retrieving properties: %w", err)
	}
	rec.RetrievedCount = len(results)
	if len(results) > 0 {
		rec.Similarity = results[0].Similarity
	}

	answer, err := s.generate(ctx, query, results)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	rec.Success = true

	resp := Response{
		ConversationID: conversationID,
		Answer:         answer,
		Sources:        make([]Source, 0, len(results)),
	}
	for _, res := range results {
		resp.Sources = append(resp.Sources, Source{
			ID:         res.Document.ID,
			Content:    res.Document.Content,
			Similarity: res.Similarity,
		})
	}
	return resp, nil
}

// generate asks the model for an answer grounded on the retrieved listings.
func (s *Service) generate(ctx context.Context, query string, results []knowledge.Result) (string, error) {
	var sb strings.Builder
	if len(results) == 0 {
		sb.WriteString("No matching property listings were found.\n")
	}
	for i, res := range results {
		fmt.Fprintf(&sb, "Listing %d (id %s):\n%s\n\n", i+1, res.Document.ID, res.Document.Content)
	}

	response, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt("Context:\n%s\nQuestion: %s", sb.String(), query),
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Text()), nil
}
