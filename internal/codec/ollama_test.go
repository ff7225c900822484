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

func TestOllamaCodec_Encode(t *testing.T) {
	c := NewOllamaCodec(Config{APIBase: "http://localhost:11434"})

	req := &chat.Request{
		Model:    "llama3.1",
		Messages: []*chat.Message{chat.NewUserMessage("hi")},
		Stream:   true,
	}

	httpReq, err := c.Encode(context.Background(), req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := httpReq.URL.String(); got != "http://localhost:11434/api/chat" {
		t.Errorf("URL = %s", got)
	}
	if got := httpReq.Header.Get("Authorization"); got != "" {
		t.Errorf("local endpoint should carry no auth header, got %q", got)
	}
}

func TestOllamaCodec_EncodeImages(t *testing.T) {
	c := NewOllamaCodec(Config{APIBase: "http://localhost:11434"})

	req := &chat.Request{
		Model: "llava",
		Messages: []*chat.Message{
			chat.NewUserMessageWithMedia("what is this",
				chat.MediaPart("data:image/png;base64,iVBORw0KGgo=", "image/png")),
		},
	}

	httpReq, err := c.Encode(context.Background(), req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, _ := io.ReadAll(httpReq.Body)
	body := string(data)
	// Raw base64 only, no data-URI wrapper.
	if !strings.Contains(body, `"images":["iVBORw0KGgo="]`) {
		t.Errorf("images should be raw base64: %s", body)
	}
}

func TestOllamaCodec_DecodeStream(t *testing.T) {
	body := strings.Join([]string{
		`{"message":{"content":"Hel"},"done":false}`,
		`{"message":{"content":"lo"},"done":false}`,
		`{"message":{"content":""},"done":true,"prompt_eval_count":12,"eval_count":2}`,
	}, "\n")

	c := NewOllamaCodec(Config{APIBase: "http://x"})
	events := collect(c.DecodeStream(sseResponse(200, body)))

	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Errorf("deltas = %q %q", events[0].Text, events[1].Text)
	}
	done := events[2]
	if done.Kind != chat.EventDone || done.Usage == nil || done.Usage.Total() != 14 {
		t.Errorf("done = %+v", done)
	}
}

func TestOllamaCodec_DecodeStreamTrailingContent(t *testing.T) {
	// The final frame can carry both content and done:true; the content
	// must arrive as a delta before the terminal event.
	body := `{"message":{"content":"end"},"done":true,"prompt_eval_count":5,"eval_count":1}`

	c := NewOllamaCodec(Config{APIBase: "http://x"})
	events := collect(c.DecodeStream(sseResponse(200, body)))

	if len(events) != 2 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Kind != chat.EventDelta || events[0].Text != "end" {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Kind != chat.EventDone || events[1].Usage == nil {
		t.Errorf("second = %+v", events[1])
	}
}

func TestOllamaCodec_DecodeStreamModelError(t *testing.T) {
	body := `{"error":"model \"nope\" not found, try pulling it first"}`

	c := NewOllamaCodec(Config{APIBase: "http://x"})
	events := collect(c.DecodeStream(sseResponse(200, body)))

	if len(events) != 1 || events[0].Err == nil || events[0].Err.Kind != chat.ErrUnknownModel {
		t.Fatalf("events = %+v", events)
	}
}

func TestOllamaCodec_DecodeResponse(t *testing.T) {
	body := `{"message":{"content":"full"},"done":true,"prompt_eval_count":3,"eval_count":1}`

	c := NewOllamaCodec(Config{APIBase: "http://x"})
	ev := c.DecodeResponse(200, []byte(body))

	if ev.Kind != chat.EventDone || ev.Text != "full" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestOllamaErrorKind(t *testing.T) {
	if got := ollamaErrorKind("model not found"); got != chat.ErrUnknownModel {
		t.Errorf("not found = %s", got)
	}
	if got := ollamaErrorKind("prompt too long for context window"); got != chat.ErrContextTooLong {
		t.Errorf("overflow = %s", got)
	}
	if got := ollamaErrorKind("boom"); got != chat.ErrUnknown {
		t.Errorf("other = %s", got)
	}
}
