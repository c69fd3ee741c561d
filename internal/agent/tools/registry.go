// Package tools provides a thread-safe registry for the tools agents can
// invoke during a turn. Arguments are validated against each tool's JSON
// schema before the tool runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Tool is the interface all tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ArgumentValidator is an optional interface for checks the JSON schema
// cannot express. It runs after schema validation.
type ArgumentValidator interface {
	ValidateArguments(params json.RawMessage) error
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// ToolRegistry manages registered tools for agent execution.
// Thread-safe for concurrent access.
type ToolRegistry struct {
	tools map[string]entry
	mu    sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]entry),
	}
}

// Register adds a tool, replacing any tool with the same name. An empty
// schema accepts any JSON object.
func (r *ToolRegistry) Register(tool Tool) error {
	var compiled *gojsonschema.Schema
	if raw := tool.InputSchema(); len(raw) > 0 {
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: compiling input schema: %w", tool.Name(), err)
		}
		compiled = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = entry{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.tools[name]
	return e.tool, exists
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		result = append(result, e.tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Names returns the registered tool names sorted.
func (r *ToolRegistry) Names() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name()
	}
	return out
}

// Specs returns the model-facing definitions of the named tools, skipping
// names that are not registered.
func (r *ToolRegistry) Specs(names []string) []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		e, ok := r.tools[n]
		if !ok {
			continue
		}
		params := e.tool.InputSchema()
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, llm.Tool{Name: n, Description: e.tool.Description(), Parameters: params})
	}
	return out
}

// Validate checks params against the tool's schema and optional validator.
func (r *ToolRegistry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return validate(e, params)
}

// Execute validates params and runs the tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := validate(e, params); err != nil {
		return nil, err
	}
	return e.tool.Execute(ctx, params)
}

func validate(e entry, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return fmt.Errorf("%w: %s: not valid JSON", ErrInvalidArguments, e.tool.Name())
	}
	if e.schema != nil {
		res, err := e.schema.Validate(gojsonschema.NewBytesLoader(params))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidArguments, e.tool.Name(), err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, verr := range res.Errors() {
				msgs = append(msgs, verr.String())
			}
			return fmt.Errorf("%w: %s: %s", ErrInvalidArguments, e.tool.Name(), strings.Join(msgs, "; "))
		}
	}
	if v, ok := e.tool.(ArgumentValidator); ok {
		if err := v.ValidateArguments(params); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidArguments, e.tool.Name(), err)
		}
	}
	return nil
}

// FuncTool adapts a function to the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

func (f *FuncTool) Name() string                 { return f.ToolName }
func (f *FuncTool) Description() string          { return f.ToolDescription }
func (f *FuncTool) InputSchema() json.RawMessage { return f.Schema }

func (f *FuncTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, params)
}
