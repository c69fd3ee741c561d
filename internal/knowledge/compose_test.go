package knowledge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBudget(t *testing.T) {
	assert.Equal(t, 1000, TokenBudget(0))
	assert.Equal(t, 1000, TokenBudget(4000))
	assert.Equal(t, 1600, TokenBudget(8000))
	assert.Equal(t, 12000, TokenBudget(128000))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("ééé"), "counts runes, not bytes")
}

func TestCompose_FitsEverything(t *testing.T) {
	docs := []Document{
		{ID: "1", Filename: "faq.md", Tags: []string{"faq"}, Content: "Opening hours are 9 to 5."},
		{ID: "2", Filename: "pricing.md", Tags: []string{"sales", "faq"}, Content: "Plans start at 10 EUR."},
	}
	res := Compose(context.Background(), docs, 8000)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, 0, res.DroppedCount)
	assert.Equal(t, 0, res.TruncatedCount)
	assert.Equal(t, []string{"faq", "sales"}, res.SourceTags)
	assert.Greater(t, res.BytesUsed, 0)
	assert.LessOrEqual(t, res.EstimatedTokensUsed, res.TokenBudget)
}

func TestCompose_TruncatesThenDrops(t *testing.T) {
	big := strings.Repeat("x", 3000) // 750 tokens
	docs := []Document{
		{ID: "a", Filename: "a.md", Content: big},
		{ID: "b", Filename: "b.md", Content: big},
		{ID: "c", Filename: "c.md", Content: "tiny"},
	}
	res := Compose(context.Background(), docs, 1000) // budget 1000
	require.Len(t, res.Documents, 2)
	assert.False(t, res.Documents[0].Truncated)
	assert.True(t, res.Documents[1].Truncated)
	assert.True(t, strings.HasSuffix(res.Documents[1].Content, TruncationMarker))
	assert.Equal(t, 1, res.TruncatedCount)
	assert.Equal(t, 1, res.DroppedCount)
	assert.Equal(t, res.TokenBudget, res.EstimatedTokensUsed)
}

func TestCompose_DropsWhenOverheadExhaustsBudget(t *testing.T) {
	docs := []Document{
		{ID: "a", Filename: "a.md", Description: strings.Repeat("d", 4000), Content: "content"},
		{ID: "b", Filename: "b.md", Content: "fits"},
	}
	res := Compose(context.Background(), docs, 1000)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "b", res.Documents[0].ID)
	assert.Equal(t, 1, res.DroppedCount)
}

func TestCompose_NeverExceedsBudget(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 300; i++ {
		var docs []Document
		n := r.IntN(12)
		for j := 0; j < n; j++ {
			docs = append(docs, Document{
				ID:          fmt.Sprint(j),
				Filename:    strings.Repeat("f", 1+r.IntN(40)),
				Description: strings.Repeat("d", r.IntN(200)),
				Tags:        []string{"t" + fmt.Sprint(r.IntN(3))},
				Content:     strings.Repeat("c", r.IntN(30000)),
			})
		}
		ctxLen := r.IntN(100000)
		res := Compose(context.Background(), docs, ctxLen)
		require.LessOrEqual(t, res.EstimatedTokensUsed, res.TokenBudget, "case %d", i)
		assert.Equal(t, len(docs), len(res.Documents)+res.DroppedCount, "case %d", i)
	}
}

func TestFormatForPrompt(t *testing.T) {
	res := Compose(context.Background(), []Document{{Filename: "faq.md", Description: "FAQ", Tags: []string{"faq"}, Content: "Hello"}}, 8000)
	out := res.FormatForPrompt()
	assert.Contains(t, out, "[KNOWLEDGE BASE]")
	assert.Contains(t, out, "--- faq.md ---")
	assert.Contains(t, out, "(FAQ)")
	assert.Contains(t, out, "Hello")
	assert.Empty(t, Result{}.FormatForPrompt())
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	orgDir := filepath.Join(root, "org_1")
	require.NoError(t, os.MkdirAll(filepath.Join(orgDir, "billing"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(orgDir, "agent-other"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orgDir, "hours.md"), []byte("# Opening hours\nWe open at 9."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(orgDir, "billing", "refunds.md"), []byte("# Refunds\nRefunds take 5 days."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(orgDir, "agent-other", "secret.md"), []byte("other agent only"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(orgDir, "image.png"), []byte{0x89}, 0o600))

	src := NewDirSource(root)
	docs, err := src.Retrieve(context.Background(), "org_1", "support", "how do refunds work")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "refunds.md", docs[0].Filename, "query match ranks first")
	assert.Equal(t, []string{"billing"}, docs[0].Tags)
	assert.Equal(t, "Refunds", docs[0].Description)

	none, err := src.Retrieve(context.Background(), "org_missing", "", "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = src.Retrieve(context.Background(), "../etc", "", "")
	assert.ErrorIs(t, err, ErrPathTraversal)
}
