package agent

import (
	"fmt"
	"strings"

	"github.com/voundbrand/vc83-com-sub003/internal/knowledge"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer the contact's questions accurately and concisely."

// historyLimit bounds the prior conversation replayed to the model.
const historyLimit = 20

// degradedState lists what the turn is running without.
type degradedState struct {
	DisabledTools   []string
	KnowledgeFailed bool
}

func (d degradedState) empty() bool {
	return len(d.DisabledTools) == 0 && !d.KnowledgeFailed
}

// reasons renders the degraded state for the audit record.
func (d degradedState) reasons() []string {
	var out []string
	for _, t := range d.DisabledTools {
		out = append(out, "tool_disabled:"+t)
	}
	if d.KnowledgeFailed {
		out = append(out, "knowledge_unavailable")
	}
	return out
}

// buildSystemPrompt assembles agent instructions, the knowledge section and,
// when anything failed earlier in the session, a degraded-mode section.
func buildSystemPrompt(agentPrompt string, kn knowledge.Result, degraded degradedState) string {
	var b strings.Builder
	if strings.TrimSpace(agentPrompt) == "" {
		agentPrompt = defaultSystemPrompt
	}
	b.WriteString(strings.TrimSpace(agentPrompt))
	b.WriteString("\n")

	if section := kn.FormatForPrompt(); section != "" {
		b.WriteString("\n")
		b.WriteString(section)
	}

	if !degraded.empty() {
		b.WriteString("\n[DEGRADED MODE]\n")
		b.WriteString("Some capabilities are unavailable for this conversation. Do not promise actions that depend on them.\n")
		for _, t := range degraded.DisabledTools {
			fmt.Fprintf(&b, "- tool %q is disabled after repeated failures\n", t)
		}
		if degraded.KnowledgeFailed {
			b.WriteString("- the knowledge base could not be loaded; answer from general context and say so when unsure\n")
		}
		b.WriteString("[END DEGRADED MODE]\n")
	}
	return b.String()
}

// buildMessages replays prior session messages (oldest first) after the
// system prompt, then appends the current inbound message.
func buildMessages(system string, history []store.Message, current string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		if m.Notice || (m.Role != store.RoleUser && m.Role != store.RoleAssistant) {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: current})
	return msgs
}
