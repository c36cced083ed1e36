package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit","code":"429"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "qwen-plus",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func TestChat(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"title":"Will it rain?"}`)
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", Endpoint: srv.URL, RequestsPerMinute: 600})
	if c.Model() != ModelQwenPlus {
		t.Errorf("Model() = %q, want default %q", c.Model(), ModelQwenPlus)
	}

	resp, err := c.Chat(context.Background(), ChatRequest{UserPrompt: "hi", JSONMode: true})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != `{"title":"Will it rain?"}` || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.TokensUsed.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.TokensUsed.TotalTokens)
	}
}

func TestChatRateLimited(t *testing.T) {
	srv := newTestServer(t, http.StatusTooManyRequests, "")
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", Endpoint: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRateLimited(err) {
		t.Errorf("IsRateLimited(%v) = false", err)
	}
}
