package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLLMRequestAttributes(t *testing.T) {
	attrs := LLMRequestAttributes("openai", "gpt-4o-mini", 0.2, 1024, 3)
	require.Len(t, attrs, 5)

	byKey := map[string]any{}
	for _, a := range attrs {
		byKey[string(a.Key)] = a.Value.AsInterface()
	}
	assert.Equal(t, "openai", byKey["gen_ai.system"])
	assert.Equal(t, "gpt-4o-mini", byKey["gen_ai.request.model"])
	assert.InDelta(t, 0.2, byKey["gen_ai.request.temperature"], 1e-9)
	assert.Equal(t, int64(1024), byKey["gen_ai.request.max_tokens"])
	assert.Equal(t, int64(3), byKey["llm.tool_count"])
}

func TestLLMUsageAttributes(t *testing.T) {
	attrs := LLMUsageAttributes(120, 30)
	require.Len(t, attrs, 2)
	assert.Equal(t, "gen_ai.usage.input_tokens", string(attrs[0].Key))
	assert.Equal(t, int64(120), attrs[0].Value.AsInt64())
	assert.Equal(t, "gen_ai.usage.output_tokens", string(attrs[1].Key))
	assert.Equal(t, int64(30), attrs[1].Value.AsInt64())
}

func TestProfileAttributeNeverCarriesSecrets(t *testing.T) {
	kv := LLMProfileID.String("org_acme:primary")
	assert.Equal(t, "llm.profile_id", string(kv.Key))
	assert.Equal(t, "org_acme:primary", kv.Value.AsString())
}
