// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/tj800x/aichat/internal/chat"
)

func TestClaudeCodec_Encode(t *testing.T) {
	c := NewClaudeCodec(Config{APIBase: "https://api.example.com", APIKey: "sk-ant"})

	req := &chat.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []*chat.Message{
			chat.NewSystemMessage("be brief"),
			chat.NewUserMessage("hi"),
		},
		Stream: true,
	}

	httpReq, err := c.Encode(context.Background(), req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if got := httpReq.URL.String(); got != "https://api.example.com/v1/messages" {
		t.Errorf("URL = %s", got)
	}
	if got := httpReq.Header.Get("x-api-key"); got != "sk-ant" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := httpReq.Header.Get("anthropic-version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q", got)
	}

	data, _ := io.ReadAll(httpReq.Body)
	body := string(data)
	if !strings.Contains(body, `"system":"be brief"`) {
		t.Errorf("system prompt should be a top-level field: %s", body)
	}
	if strings.Contains(body, `"role":"system"`) {
		t.Errorf("system message must not appear in the message list: %s", body)
	}
	if !strings.Contains(body, `"max_tokens"`) {
		t.Errorf("max_tokens is mandatory on this wire: %s", body)
	}
}

func TestClaudeCodec_DecodeStream(t *testing.T) {
	body := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":0}}}`,
		"",
		"event: ping",
		`data: {"type":"ping"}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	c := NewClaudeCodec(Config{APIBase: "https://x"})
	events := collect(c.DecodeStream(sseResponse(200, body)))

	want := []chat.EventKind{chat.EventDelta, chat.EventUsage, chat.EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, events[i].Kind, k)
		}
	}
	if events[0].Text != "Hi" {
		t.Errorf("delta = %q", events[0].Text)
	}
	// Prompt tokens come from message_start, output tokens from message_delta.
	if events[1].Usage.PromptTokens != 25 || events[1].Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", events[1].Usage)
	}
}

func TestClaudeCodec_DecodeStreamError(t *testing.T) {
	body := strings.Join([]string{
		"event: error",
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		"",
	}, "\n")

	c := NewClaudeCodec(Config{APIBase: "https://x"})
	events := collect(c.DecodeStream(sseResponse(200, body)))

	if len(events) != 1 || events[0].Err == nil {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Err.Kind != chat.ErrProviderUnavailable {
		t.Errorf("kind = %s", events[0].Err.Kind)
	}
	if events[0].Err.Detail != "Overloaded" {
		t.Errorf("detail = %q", events[0].Err.Detail)
	}
}

func TestClaudeCodec_DecodeResponse(t *testing.T) {
	body := `{"content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],` +
		`"usage":{"input_tokens":9,"output_tokens":4}}`

	c := NewClaudeCodec(Config{APIBase: "https://x"})
	ev := c.DecodeResponse(200, []byte(body))

	if ev.Kind != chat.EventDone || ev.Text != "hello there" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Usage == nil || ev.Usage.Total() != 13 {
		t.Errorf("usage = %+v", ev.Usage)
	}
}

func TestClaudeErrorKind(t *testing.T) {
	tests := []struct {
		errType, message string
		want             chat.ErrorKind
	}{
		{"authentication_error", "", chat.ErrAuthFailed},
		{"permission_error", "", chat.ErrAuthFailed},
		{"rate_limit_error", "", chat.ErrRateLimited},
		{"overloaded_error", "", chat.ErrProviderUnavailable},
		{"request_too_large", "", chat.ErrContextTooLong},
		{"invalid_request_error", "prompt is too long: 210000 tokens", chat.ErrContextTooLong},
		{"invalid_request_error", "temperature out of range", chat.ErrUnknown},
		{"something_else", "", chat.ErrUnknown},
	}
	for _, tt := range tests {
		if got := claudeErrorKind(tt.errType, tt.message); got != tt.want {
			t.Errorf("claudeErrorKind(%q, %q) = %s, want %s", tt.errType, tt.message, got, tt.want)
		}
	}
}
