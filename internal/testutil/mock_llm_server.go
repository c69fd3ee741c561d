package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ChatReply is one scripted reply of NewChatCompletionServer. A non-zero
// Status makes the server answer with that HTTP error instead.
type ChatReply struct {
	Content   string
	ToolCalls []openai.ToolCall
	Status    int
}

// ChatServer is an OpenAI-compatible test server with a reply script.
type ChatServer struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []ChatReply
	requests []openai.ChatCompletionRequest
}

// NewChatCompletionServer starts a server answering POST
// /v1/chat/completions with the scripted replies in order, repeating the
// last one. Callers must Close it, e.g. via t.Cleanup(srv.Close).
func NewChatCompletionServer(replies ...ChatReply) *ChatServer {
	cs := &ChatServer{replies: replies}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	return cs
}

// Requests returns the decoded requests received so far.
func (cs *ChatServer) Requests() []openai.ChatCompletionRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), cs.requests...)
}

func (cs *ChatServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	idx := len(cs.requests)
	cs.requests = append(cs.requests, req)
	reply := ChatReply{Content: "mock response"}
	if len(cs.replies) > 0 {
		reply = cs.replies[min(idx, len(cs.replies)-1)]
	}
	cs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reply.Status != 0 {
		w.WriteHeader(reply.Status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": http.StatusText(reply.Status), "type": "test_error"},
		})
		return
	}

	finish := openai.FinishReasonStop
	if len(reply.ToolCalls) > 0 {
		finish = openai.FinishReasonToolCalls
	}
	_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   reply.Content,
				ToolCalls: reply.ToolCalls,
			},
			FinishReason: finish,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	})
}
