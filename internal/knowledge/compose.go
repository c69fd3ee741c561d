// Package knowledge packs retrieved documents into a token budget for the
// system prompt and reports what was dropped or truncated.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/knowledge")

// Budget constants. Tokens are estimated as ceil(chars/4); there is no tokenizer.
const (
	BudgetRatio      = 0.2
	MinBudget        = 1000
	MaxBudget        = 12000
	CharsPerToken    = 4
	TruncationMarker = "\n[...truncated]"
)

// Document is one retrieved knowledge item.
type Document struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Content     string   `json:"content"`
	Source      string   `json:"source,omitempty"`
}

// ComposedDocument is a document as it will appear in the prompt.
type ComposedDocument struct {
	Document
	Truncated       bool `json:"truncated"`
	EstimatedTokens int  `json:"estimated_tokens"`
}

// Result is the packed selection plus its telemetry.
type Result struct {
	Documents           []ComposedDocument `json:"documents"`
	TokenBudget         int                `json:"token_budget"`
	EstimatedTokensUsed int                `json:"estimated_tokens_used"`
	DroppedCount        int                `json:"dropped_count"`
	TruncatedCount      int                `json:"truncated_count"`
	BytesUsed           int                `json:"bytes_used"`
	SourceTags          []string           `json:"source_tags,omitempty"`
}

// EstimateTokens returns ceil(runes/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// TokenBudget returns clamp(contextLength * 0.2, 1000, 12000).
func TokenBudget(modelContextLength int) int {
	b := int(float64(modelContextLength) * BudgetRatio)
	return max(MinBudget, min(b, MaxBudget))
}

func overhead(d Document) string {
	return d.Filename + d.Description + strings.Join(d.Tags, ",")
}

// Compose packs docs greedily in input order. Each document is charged its
// overhead first; when no content fits after that it is dropped, when only
// part fits it is cut to the remaining budget and marked truncated. The
// estimated tokens used never exceed the budget.
func Compose(ctx context.Context, docs []Document, modelContextLength int) Result {
	_, span := tracer.Start(ctx, "knowledge.compose",
		trace.WithAttributes(
			attribute.Int("knowledge.documents_in", len(docs)),
			attribute.Int("knowledge.context_length", modelContextLength),
		))
	defer span.End()

	res := Result{TokenBudget: TokenBudget(modelContextLength)}
	remaining := res.TokenBudget
	markerTokens := EstimateTokens(TruncationMarker)
	tags := map[string]bool{}

	for _, d := range docs {
		head := overhead(d)
		headTokens := EstimateTokens(head)
		avail := remaining - headTokens
		if avail <= 0 || strings.TrimSpace(d.Content) == "" {
			res.DroppedCount++
			continue
		}

		contentTokens := EstimateTokens(d.Content)
		cd := ComposedDocument{Document: d}
		switch {
		case contentTokens <= avail:
			cd.EstimatedTokens = headTokens + contentTokens
		case avail > markerTokens:
			keep := (avail - markerTokens) * CharsPerToken
			cd.Content = string([]rune(d.Content)[:keep]) + TruncationMarker
			cd.Truncated = true
			cd.EstimatedTokens = headTokens + EstimateTokens(cd.Content)
			res.TruncatedCount++
		default:
			res.DroppedCount++
			continue
		}

		remaining -= cd.EstimatedTokens
		res.EstimatedTokensUsed += cd.EstimatedTokens
		res.BytesUsed += len(head) + len(cd.Content)
		for _, t := range d.Tags {
			tags[t] = true
		}
		res.Documents = append(res.Documents, cd)
	}

	for t := range tags {
		res.SourceTags = append(res.SourceTags, t)
	}
	sort.Strings(res.SourceTags)

	span.SetAttributes(
		attribute.Int("knowledge.token_budget", res.TokenBudget),
		attribute.Int("knowledge.tokens_used", res.EstimatedTokensUsed),
		attribute.Int("knowledge.dropped", res.DroppedCount),
		attribute.Int("knowledge.truncated", res.TruncatedCount),
	)
	return res
}

// FormatForPrompt renders the composed documents as a system prompt section.
func (r Result) FormatForPrompt() string {
	if len(r.Documents) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[KNOWLEDGE BASE]\n\n")
	for _, d := range r.Documents {
		fmt.Fprintf(&b, "--- %s ---\n", d.Filename)
		if d.Description != "" {
			fmt.Fprintf(&b, "(%s)\n", d.Description)
		}
		if len(d.Tags) > 0 {
			fmt.Fprintf(&b, "tags: %s\n", strings.Join(d.Tags, ", "))
		}
		b.WriteString(d.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("[END KNOWLEDGE BASE]\n")
	return b.String()
}
