// Package testutil provides shared test helpers, mocks, and fixtures.
package testutil

import (
	"context"
	"sync"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
)

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response from " + the model.
// Set Err to simulate model errors on every call.
type MockProvider struct {
	Content string
	Err     error

	mu    sync.Mutex
	calls []llm.Request
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Generate returns the canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, *req)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response from " + req.Model
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Model:        req.Model,
	}, nil
}

// Calls returns copies of the requests received so far.
func (m *MockProvider) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.calls...)
}

// Step is one scripted model reply: either a response or an error.
type Step struct {
	Response *llm.Response
	Err      error
}

// SequenceProvider returns scripted steps in order, repeating the last one
// once the script runs out. It records every request for assertions.
type SequenceProvider struct {
	Steps []Step

	mu    sync.Mutex
	calls []llm.Request
}

// Name returns "sequence".
func (p *SequenceProvider) Name() string { return "sequence" }

// Generate returns the next scripted step.
func (p *SequenceProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	idx := len(p.calls)
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.calls = append(p.calls, cp)
	p.mu.Unlock()

	if len(p.Steps) == 0 {
		return &llm.Response{Content: "no steps configured", FinishReason: "stop", Model: req.Model}, nil
	}
	if idx >= len(p.Steps) {
		idx = len(p.Steps) - 1
	}
	step := p.Steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	r := *step.Response
	if r.Model == "" {
		r.Model = req.Model
	}
	r.ToolCalls = append([]llm.ToolCall(nil), step.Response.ToolCalls...)
	return &r, nil
}

// Calls returns the requests received so far.
func (p *SequenceProvider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.calls...)
}

// Text is a Step answering with content.
func Text(content string) Step {
	return Step{Response: &llm.Response{
		Content:      content,
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// ToolCalls is a Step requesting the given tool calls.
func ToolCalls(calls ...llm.ToolCall) Step {
	return Step{Response: &llm.Response{
		FinishReason: "tool_calls",
		ToolCalls:    calls,
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// Fail is a Step returning an API error with the given status.
func Fail(status int, msg string) Step {
	return Step{Err: &llm.APIError{StatusCode: status, Message: msg}}
}
