package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxToolResponseBytes = 1 << 20

// HTTPTool forwards tool arguments as a JSON POST to an integration endpoint
// and returns the endpoint's JSON response as the tool result.
type HTTPTool struct {
	name        string
	description string
	url         string
	schema      json.RawMessage
	client      *http.Client
}

// NewHTTPTool creates a tool backed by url. A nil schema accepts any object.
func NewHTTPTool(name, description, url string, schema json.RawMessage) *HTTPTool {
	if description == "" {
		description = "Calls the " + name + " integration."
	}
	return &HTTPTool{
		name:        name,
		description: description,
		url:         url,
		schema:      schema,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTool) Name() string                 { return t.name }
func (t *HTTPTool) Description() string          { return t.description }
func (t *HTTPTool) InputSchema() json.RawMessage { return t.schema }

// Execute posts params to the endpoint. Non-2xx responses and non-JSON
// bodies are errors so the tool-failure tracker counts them.
func (t *HTTPTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", t.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", t.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned %d", t.name, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s returned a non-JSON body", t.name)
	}
	return json.RawMessage(body), nil
}
