package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a minimal Tool implementation for testing.
type stubTool struct {
	name   string
	desc   string
	schema string
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }
func (s *stubTool) InputSchema() json.RawMessage {
	if s.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(s.schema)
}
func (s *stubTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	s.calls++
	return json.RawMessage(`{"ok":true}`), nil
}

type strictTool struct{ stubTool }

func (s *strictTool) ValidateArguments(params json.RawMessage) error {
	var v struct {
		Amount int `json:"amount"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return err
	}
	if v.Amount%100 != 0 {
		return errors.New("amount must be whole currency units in cents")
	}
	return nil
}

const invoiceSchema = `{
  "type": "object",
  "required": ["contact_id", "amount"],
  "properties": {
    "contact_id": {"type": "string", "minLength": 1},
    "amount": {"type": "integer", "minimum": 1}
  }
}`

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{name: "search", desc: "Search tool"}

	require.NoError(t, r.Register(tool))

	got, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "search", got.Name())
	assert.Equal(t, "Search tool", got.Description())
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	assert.Len(t, r.List(), 0)

	require.NoError(t, r.Register(&stubTool{name: "tool-b", desc: "B"}))
	require.NoError(t, r.Register(&stubTool{name: "tool-a", desc: "A"}))

	assert.Equal(t, []string{"tool-a", "tool-b"}, r.Names())
}

func TestRegistry_OverwriteExisting(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubTool{name: "search", desc: "v1"}))
	require.NoError(t, r.Register(&stubTool{name: "search", desc: "v2"}))

	got, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Description())
	assert.Len(t, r.List(), 1)
}

func TestRegistry_RejectsBrokenSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubTool{name: "bad", schema: `{"type": 12}`})
	require.Error(t, err)
	_, ok := r.Get("bad")
	assert.False(t, ok)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	invoice := &stubTool{name: "create_invoice", schema: invoiceSchema}
	require.NoError(t, r.Register(invoice))

	t.Run("valid arguments run the tool", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "create_invoice", json.RawMessage(`{"contact_id":"c1","amount":500}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(out))
		assert.Equal(t, 1, invoice.calls)
	})

	t.Run("schema violation never reaches the tool", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "create_invoice", json.RawMessage(`{"amount":"lots"}`))
		require.ErrorIs(t, err, ErrInvalidArguments)
		assert.Contains(t, err.Error(), "contact_id")
		assert.Equal(t, 1, invoice.calls)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "create_invoice", json.RawMessage(`{"amount":`))
		require.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "nope", nil)
		require.ErrorIs(t, err, ErrUnknownTool)
	})
}

func TestRegistry_ArgumentValidatorRunsAfterSchema(t *testing.T) {
	r := NewRegistry()
	tool := &strictTool{stubTool{name: "refund", schema: `{"type":"object","properties":{"amount":{"type":"integer"}}}`}}
	require.NoError(t, r.Register(tool))

	err := r.Validate("refund", json.RawMessage(`{"amount":150}`))
	require.ErrorIs(t, err, ErrInvalidArguments)
	assert.Contains(t, err.Error(), "whole currency units")

	assert.NoError(t, r.Validate("refund", json.RawMessage(`{"amount":200}`)))
}

func TestRegistry_Specs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&FuncTool{
		ToolName:        "query_org_data",
		ToolDescription: "Read org data",
		Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`[]`), nil
		},
	}))
	require.NoError(t, r.Register(&stubTool{name: "create_invoice", desc: "Invoice", schema: invoiceSchema}))

	specs := r.Specs([]string{"query_org_data", "missing", "create_invoice"})
	require.Len(t, specs, 2)
	assert.Equal(t, "query_org_data", specs[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(specs[0].Parameters), "empty schema defaults to object")
	assert.JSONEq(t, invoiceSchema, string(specs[1].Parameters))

	out, err := r.Execute(context.Background(), "query_org_data", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}
