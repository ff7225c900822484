// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/history"
	"github.com/tj800x/aichat/internal/provider"
)

// testRegistry registers a single "test:m" model served by the given
// endpoint over the OpenAI-compatible wire shape.
func testRegistry(t *testing.T, baseURL string, maxInput int) *provider.Registry {
	t.Helper()
	reg, err := provider.BuildRegistry(provider.RegistryConfig{
		Custom: []provider.CustomProvider{{
			Name:           "test",
			APIBase:        baseURL,
			MaxInputTokens: maxInput,
			Models:         []string{"m"},
		}},
	})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	return reg
}

func newTestEngine(t *testing.T, srv *httptest.Server, maxInput int, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Registry:   testRegistry(t, srv.URL, maxInput),
		ModelID:    "test:m",
		SessionID:  "sess_test",
		HTTPClient: srv.Client(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// sseHandler streams the given deltas, a usage frame, and the end
// sentinel.
func sseHandler(deltas []string, promptTokens, completionTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			f.Flush()
		}
		fmt.Fprintf(w, "data: {\"usage\":{\"prompt_tokens\":%d,\"completion_tokens\":%d}}\n\n",
			promptTokens, completionTokens)
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	}
}

func TestEngine_SendStreamedTurn(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{"Hello", " world"}, 40, 5))
	defer srv.Close()

	e := newTestEngine(t, srv, 8192, nil)

	var reply strings.Builder
	var sawDone bool
	err := e.Send(context.Background(), chat.NewUserMessage("hi"), func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventDelta:
			reply.WriteString(ev.Text)
		case chat.EventDone:
			sawDone = true
		}
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if reply.String() != "Hello world" {
		t.Errorf("reply = %q", reply.String())
	}
	if !sawDone {
		t.Error("Done event was not forwarded")
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want Idle", e.State())
	}

	h := e.Store().History()
	if len(h) != 2 {
		t.Fatalf("history has %d messages, want user+assistant", len(h))
	}
	if h[1].Role != chat.RoleAssistant || h[1].Text() != "Hello world" {
		t.Errorf("committed assistant message = %+v", h[1])
	}

	// Exact provider usage supersedes the estimate.
	total, _ := e.TokenStatus()
	if total != 45 {
		t.Errorf("running total = %d, want reconciled 45", total)
	}
}

func TestEngine_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("Complete must not request streaming")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"full reply"}}],"usage":{"prompt_tokens":7,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, 8192, nil)

	text, err := e.Complete(context.Background(), chat.NewUserMessage("hi"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "full reply" {
		t.Errorf("text = %q", text)
	}
	if e.Store().NonSystemLen() != 2 {
		t.Errorf("history = %d messages", e.Store().NonSystemLen())
	}
}

func TestEngine_ProviderErrorRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, 8192, nil)
	e.Store().Append(chat.NewUserMessage("earlier"))
	preLen := e.Store().NonSystemLen()

	err := e.Send(context.Background(), chat.NewUserMessage("hi"), nil)
	if chat.KindOf(err) != chat.ErrAuthFailed {
		t.Fatalf("err = %v, want AuthFailed", err)
	}

	// The failed turn's input must be rolled back too.
	if got := e.Store().NonSystemLen(); got != preLen {
		t.Errorf("history = %d messages, want pre-turn %d", got, preLen)
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want Idle", e.State())
	}
}

func TestEngine_CancelMidStreamDiscardsPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		f.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newTestEngine(t, srv, 8192, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Send(ctx, chat.NewUserMessage("hi"), func(ev chat.Event) {
		if ev.Kind == chat.EventDelta {
			cancel()
		}
	})
	if chat.KindOf(err) != chat.ErrCancelled {
		t.Fatalf("err = %v, want Cancelled", err)
	}

	if got := e.Store().NonSystemLen(); got != 0 {
		t.Errorf("history = %d messages, want pre-turn empty store", got)
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v", e.State())
	}
}

func TestEngine_CancelKeepsPartialWhenOptedIn(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		f.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newTestEngine(t, srv, 8192, func(o *Options) {
		o.KeepPartialOnCancel = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Send(ctx, chat.NewUserMessage("hi"), func(ev chat.Event) {
		if ev.Kind == chat.EventDelta {
			cancel()
		}
	})
	if chat.KindOf(err) != chat.ErrCancelled {
		t.Fatalf("err = %v, want Cancelled", err)
	}

	h := e.Store().History()
	if len(h) != 2 {
		t.Fatalf("history = %d messages, want user+partial", len(h))
	}
	if h[1].Text() != "partial" {
		t.Errorf("kept partial = %q", h[1].Text())
	}
}

func TestEngine_WatchdogTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		f.Flush()
		// Go silent without closing; only the watchdog can end this.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newTestEngine(t, srv, 8192, func(o *Options) {
		o.StreamTimeout = 50 * time.Millisecond
	})

	err := e.Send(context.Background(), chat.NewUserMessage("hi"), nil)
	if chat.KindOf(err) != chat.ErrProviderUnavailable {
		t.Fatalf("err = %v, want ProviderUnavailable", err)
	}
	var ce *chat.Error
	if errors.As(err, &ce) && !strings.Contains(ce.Detail, "stream timeout") {
		t.Errorf("detail = %q", ce.Detail)
	}
	if e.Store().NonSystemLen() != 0 {
		t.Error("timed-out turn must roll back")
	}
}

func TestEngine_WatchdogCoversAwaitingHeaders(t *testing.T) {
	release := make(chan struct{})
	// No write or flush: the client stays blocked awaiting response
	// headers until the watchdog cancels the request.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newTestEngine(t, srv, 8192, func(o *Options) {
		o.StreamTimeout = 50 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() {
		done <- e.Send(context.Background(), chat.NewUserMessage("hi"), nil)
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a provider that never sent headers")
	}
	if chat.KindOf(err) != chat.ErrProviderUnavailable {
		t.Fatalf("err = %v, want ProviderUnavailable", err)
	}
	var ce *chat.Error
	if errors.As(err, &ce) && !strings.Contains(ce.Detail, "stream timeout") {
		t.Errorf("detail = %q", ce.Detail)
	}
	if e.Store().NonSystemLen() != 0 {
		t.Error("timed-out turn must roll back")
	}
}

func TestEngine_RejectsOverlappingTurns(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{"ok"}, 5, 1))
	defer srv.Close()

	e := newTestEngine(t, srv, 8192, nil)

	var inner error
	err := e.Send(context.Background(), chat.NewUserMessage("hi"), func(ev chat.Event) {
		if ev.Kind == chat.EventDelta && inner == nil {
			inner = e.Send(context.Background(), chat.NewUserMessage("again"), nil)
		}
	})
	if err != nil {
		t.Fatalf("outer Send: %v", err)
	}
	if !errors.Is(inner, ErrTurnInFlight) {
		t.Errorf("inner Send = %v, want ErrTurnInFlight", inner)
	}
}

func TestEngine_SetModelGatedByState(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{"ok"}, 5, 1))
	defer srv.Close()

	e := newTestEngine(t, srv, 8192, func(o *Options) {
		o.Registry, _ = provider.BuildRegistry(provider.RegistryConfig{
			Custom: []provider.CustomProvider{{
				Name:    "test",
				APIBase: srv.URL,
				Models:  []string{"m", "m2"},
			}},
		})
	})

	var midTurn error
	err := e.Send(context.Background(), chat.NewUserMessage("hi"), func(ev chat.Event) {
		if ev.Kind == chat.EventDelta {
			midTurn = e.SetModel("test:m2")
		}
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if midTurn == nil {
		t.Error("SetModel must fail while a turn is in flight")
	}

	if err := e.SetModel("test:m2"); err != nil {
		t.Errorf("SetModel at idle: %v", err)
	}
	if e.ModelID() != "test:m2" {
		t.Errorf("ModelID = %s", e.ModelID())
	}
	if err := e.SetModel("test:nope"); err == nil {
		t.Error("unknown model must be rejected")
	}
}

func TestEngine_LocalContextTooLong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call may happen when the window is already exceeded")
	}))
	defer srv.Close()

	store := history.NewStore()
	for i := 0; i < 3; i++ {
		store.Append(chat.NewUserMessage(strings.Repeat("x", 2000)))
	}

	// Threshold above the window disables compression, so the only way
	// out is the local fast-fail.
	e := newTestEngine(t, srv, 1100, func(o *Options) {
		o.Store = store
		o.CompressThreshold = 2000
	})

	err := e.Send(context.Background(), chat.NewUserMessage("one more"), nil)
	if chat.KindOf(err) != chat.ErrContextTooLong {
		t.Fatalf("err = %v, want ContextTooLong", err)
	}
	if store.NonSystemLen() != 3 {
		t.Errorf("failed turn input must roll back, have %d messages", store.NonSystemLen())
	}
}

// archiverRecorder captures compression archive calls.
type archiverRecorder struct {
	sessionID string
	replaced  int
	summary   string
}

func (a *archiverRecorder) ArchiveCompression(sessionID string, replaced []*chat.Message, summary *chat.Message) error {
	a.sessionID = sessionID
	a.replaced = len(replaced)
	a.summary = summary.Text()
	return nil
}

func TestEngine_CompressionBeforeTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if !req.Stream {
			// The summarization sub-request.
			fmt.Fprint(w, `{"choices":[{"message":{"content":"summary of the early conversation"}}]}`)
			return
		}
		sseHandler([]string{"answer"}, 50, 2)(w, r)
	}))
	defer srv.Close()

	// Preload just over the threshold: 6 messages of ~205 tokens each.
	store := history.NewStore()
	for i := 0; i < 6; i++ {
		store.Append(chat.NewUserMessage(strings.Repeat("y", 800)))
	}

	rec := &archiverRecorder{}
	e := newTestEngine(t, srv, 8192, func(o *Options) {
		o.Store = store
		o.CompressThreshold = 1000
		o.Archiver = rec
	})

	totalBefore, _ := e.TokenStatus()
	if totalBefore < 1000 {
		t.Fatalf("test setup: running total %d must exceed the threshold", totalBefore)
	}

	err := e.Send(context.Background(), chat.NewUserMessage("question"), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The summary stands where the compressed prefix was.
	h := store.History()
	var found bool
	for _, m := range h {
		if m.Role == chat.RoleAssistant && strings.Contains(m.Text(), "summary of the early") {
			found = true
		}
	}
	if !found {
		t.Error("compressed history lacks the summary message")
	}

	if rec.replaced == 0 || rec.sessionID != "sess_test" {
		t.Errorf("archiver not invoked correctly: %+v", rec)
	}
	if !strings.Contains(rec.summary, "summary of the early") {
		t.Errorf("archived summary = %q", rec.summary)
	}
}

func TestEngine_UnknownModelAtConstruction(t *testing.T) {
	reg, err := provider.BuildRegistry(provider.RegistryConfig{})
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	_, err = New(Options{Registry: reg, ModelID: "nope:missing"})
	if chat.KindOf(err) != chat.ErrUnknownModel {
		t.Errorf("err = %v, want UnknownModel", err)
	}
}
