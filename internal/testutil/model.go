package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// FakeModelName is the model name FakeModel registers under.
const FakeModelName = "fake/test-model"

// FakeModel provides deterministic text responses for testing without an API
// key. User messages are matched against registered substrings; the first
// match wins, otherwise the fallback is returned.
//
// Thread-safe for concurrent use.
type FakeModel struct {
	mu       sync.Mutex
	rules    []fakeRule
	fallback string
	err      error
	calls    []string
}

type fakeRule struct {
	pattern  string
	response string
}

// NewFakeModel creates a fake model with the given fallback response.
func NewFakeModel(fallback string) *FakeModel {
	return &FakeModel{fallback: fallback}
}

// AddResponse registers a pattern-response pair, matched case-insensitively
// against the last user message.
func (m *FakeModel) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, fakeRule{pattern: strings.ToLower(pattern), response: response})
}

// FailWith makes every generation return err.
func (m *FakeModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the user messages seen so far.
func (m *FakeModel) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Register registers the fake as a Genkit model named FakeModelName.
func (m *FakeModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, FakeModelName, &ai.ModelOptions{
		Label: "Fake Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *FakeModel) generate(_ context.Context, req *ai.ModelRequest, _ ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	response := m.fallback
	lower := strings.ToLower(userText)
	for _, rule := range m.rules {
		if strings.Contains(lower, rule.pattern) {
			response = rule.response
			break
		}
	}
	m.calls = append(m.calls, userText)
	m.mu.Unlock()

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(response)},
		},
	}, nil
}
