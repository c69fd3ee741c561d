package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// GenAI semantic convention keys used on model-call spans, plus the
// failover attributes turnkeeper adds on top.
const (
	GenAISystem             = attribute.Key("gen_ai.system")
	GenAIRequestModel       = attribute.Key("gen_ai.request.model")
	GenAIRequestTemperature = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokens   = attribute.Key("gen_ai.request.max_tokens")

	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")

	// LLMProfileID names the auth profile an attempt ran under; never the key itself.
	LLMProfileID = attribute.Key("llm.profile_id")
	LLMAttempts  = attribute.Key("llm.attempts")
	LLMToolCount = attribute.Key("llm.tool_count")
)

// LLMRequestAttributes creates the attributes of one chat completion request.
func LLMRequestAttributes(system, model string, temperature float64, maxTokens, toolCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
		GenAIRequestTemperature.Float64(temperature),
		GenAIRequestMaxTokens.Int(maxTokens),
		LLMToolCount.Int(toolCount),
	}
}

// LLMUsageAttributes creates attributes for token usage
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}
