package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/taskloop/internal/llm"
	"github.com/haasonsaas/taskloop/pkg/models"
)

func TestNewOpenAIGatewayRequiresKey(t *testing.T) {
	if _, err := NewOpenAIGateway(OpenAIConfig{}); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestOpenAIGatewayForcesToolCall(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "get_emails", "arguments": "{\"unread_only\":true}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	}))
	defer server.Close()

	gw, err := NewOpenAIGateway(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIGateway: %v", err)
	}
	decision, err := gw.Decide(context.Background(), &llm.Request{
		System:          "be terse",
		Messages:        []llm.Message{{Role: models.RoleUser, Content: "any mail?"}},
		Tools:           []llm.ToolSpec{{Name: "get_emails", Description: "List emails", Schema: json.RawMessage(`{"type":"object","properties":{"unread_only":{"type":"boolean"}}}`)}},
		RequireToolCall: true,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if body["tool_choice"] != "required" {
		t.Errorf("tool_choice = %v", body["tool_choice"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %v", msgs)
	}
	if len(decision.ToolCalls) != 1 || decision.ToolCalls[0].Name != "get_emails" {
		t.Fatalf("tool calls = %+v", decision.ToolCalls)
	}
	if string(decision.ToolCalls[0].Input) != `{"unread_only":true}` {
		t.Errorf("input = %s", decision.ToolCalls[0].Input)
	}
	if decision.InputTokens != 42 || decision.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", decision.InputTokens, decision.OutputTokens)
	}
}

func TestOpenAIGatewayClassifiesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	gw, _ := NewOpenAIGateway(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	_, err := gw.Decide(context.Background(), &llm.Request{Messages: []llm.Message{{Role: models.RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if llm.Reason(err) != llm.FailoverRateLimit {
		t.Errorf("reason = %s (%v)", llm.Reason(err), err)
	}
}
