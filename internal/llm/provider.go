package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Timeouts for LLM operations.
const (
	TimeoutLLMCall = 60 * time.Second
)

// Domain errors for the LLM package.
var (
	ErrNoCandidates        = errors.New("no model or auth profile candidates")
	ErrAllCandidatesFailed = errors.New("all model/auth candidates failed")
	ErrEmptyResponse       = errors.New("model returned no choices")
)

// Provider is the model-call collaborator. Implementations must return an
// error carrying an HTTP-like status (APIError) so callers can classify it.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Generate sends a chat completion request and returns the first choice.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
	// APIKey is the credential of the auth profile used for this attempt.
	APIKey string `json:"-"`
}

// Message is a chat message. Assistant messages may carry tool calls and tool
// messages reference the call they answer.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Usage mirrors the provider token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the first choice of a chat completion.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a request from the model to call a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// APIError is a provider failure with an HTTP-like status code.
type APIError struct {
	StatusCode     int
	Message        string
	RetryAfterHint time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model api error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status for retry classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfter exposes the provider retry-after hint (zero when absent).
func (e *APIError) RetryAfter() time.Duration { return e.RetryAfterHint }
