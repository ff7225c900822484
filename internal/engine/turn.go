// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"io"
	"strings"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/token"
)

// maxResponseSize caps non-streamed response bodies to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024

// Send runs one streaming turn: the input is appended to the context,
// compression runs if the budget demands it, and the normalized event
// sequence is forwarded to onEvent in provider order. On Done the
// assistant message is committed; on Error or cancellation the store is
// restored to its pre-turn contents.
func (e *Engine) Send(ctx context.Context, input *chat.Message, onEvent func(chat.Event)) error {
	return e.turn(ctx, input, true, onEvent)
}

// Complete runs one non-streaming turn and returns the full response text.
func (e *Engine) Complete(ctx context.Context, input *chat.Message) (string, error) {
	var text strings.Builder
	err := e.turn(ctx, input, false, func(ev chat.Event) {
		if ev.Kind == chat.EventDone {
			text.WriteString(ev.Text)
		}
	})
	return text.String(), err
}

// turn drives the per-turn state machine:
// Idle -> AwaitingResponse -> StreamingDelta* -> Completed|Failed -> Idle.
func (e *Engine) turn(ctx context.Context, input *chat.Message, stream bool, onEvent func(chat.Event)) error {
	if e.state != StateIdle {
		return ErrTurnInFlight
	}
	if onEvent == nil {
		onEvent = func(chat.Event) {}
	}

	e.store.Append(input)
	e.recountTokens()

	// fail discards everything this turn appended, surfaces the terminal
	// event, and returns the engine to Idle. No partial content is ever
	// committed.
	fail := func(ev chat.Event) error {
		e.state = StateFailed
		e.store.TruncateTo(e.store.NonSystemLen() - 1)
		e.recountTokens()
		onEvent(ev)
		e.state = StateIdle
		return ev.Err
	}

	// Compression pre-check, before any encoding or network traffic.
	running, maxInput := e.acct.RunningTotal(), e.spec.MaxInputTokens
	if token.ShouldCompress(running, maxInput, e.compressThreshold) {
		if err := e.compress(ctx); err != nil {
			return fail(chat.ErrorEvent(chat.KindOf(err), err.Error()))
		}
		running = e.acct.RunningTotal()
	}

	// Local fast-fail when the request would already exceed the window.
	if token.BudgetRemaining(running, maxInput) <= 0 {
		return fail(chat.ErrorEvent(chat.ErrContextTooLong,
			"request exceeds the model's context window"))
	}

	req := e.buildRequest(stream)

	// Client-side rate limit is a suspension point; honor cancellation.
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fail(chat.ErrorEvent(chat.ErrCancelled, err.Error()))
		}
	}

	e.state = StateAwaitingResponse

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := e.wire.Encode(reqCtx, req)
	if err != nil {
		return fail(chat.ErrorEvent(chat.ErrUnknown, err.Error()))
	}

	if !stream {
		resp, err := e.client.Do(httpReq)
		if err != nil {
			return fail(e.transportError(ctx, nil, err))
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		if readErr != nil {
			return fail(e.transportError(ctx, nil, readErr))
		}
		return e.finishTurn(e.wire.DecodeResponse(resp.StatusCode, body), nil, onEvent, fail)
	}

	// A provider that goes silent is an unavailability, not a hang: the
	// watchdog cancels the request after the no-data interval. It is armed
	// before Do so a stall while awaiting response headers is also caught.
	wd := newWatchdog(e.streamTimeout, cancel)
	defer wd.stop()

	resp, err := e.streamClient.Do(httpReq)
	if err != nil {
		return fail(e.transportError(ctx, wd, err))
	}
	defer resp.Body.Close()

	wd.reset(e.streamTimeout)
	resp.Body = &watchedBody{ReadCloser: resp.Body, wd: wd, interval: e.streamTimeout}

	events := e.wire.DecodeStream(resp)
	pending := chat.NewPendingAssistantMessage()
	var usage *chat.Usage

	for {
		ev, ok := events.Next()
		if !ok {
			// The stream latched after its terminal event; finishTurn or
			// fail already ran before this is reachable.
			return nil
		}

		switch ev.Kind {
		case chat.EventDelta:
			e.state = StateStreamingDelta
			pending.AppendDelta(ev.Text)
			onEvent(ev)

		case chat.EventUsage:
			usage = ev.Usage
			onEvent(ev)

		case chat.EventMeta:
			onEvent(ev)

		case chat.EventDone:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			return e.commitTurn(pending, usage, ev, onEvent)

		case chat.EventError:
			ev = e.normalizeStreamError(ctx, wd, ev)
			if ev.Err.Kind == chat.ErrCancelled && e.keepPartial {
				return e.failKeepingPartial(pending, ev, onEvent)
			}
			return fail(ev)
		}
	}
}

// finishTurn handles the single terminal event of a non-streamed turn.
func (e *Engine) finishTurn(ev chat.Event, usage *chat.Usage, onEvent func(chat.Event), fail func(chat.Event) error) error {
	if ev.Kind == chat.EventError {
		return fail(ev)
	}
	if ev.Usage != nil {
		usage = ev.Usage
	}
	pending := chat.NewPendingAssistantMessage()
	pending.AppendDelta(ev.Text)
	return e.commitTurn(pending, usage, ev, onEvent)
}

// commitTurn finalizes the pending assistant message, folds it into the
// store, reconciles token accounting, and returns the engine to Idle.
func (e *Engine) commitTurn(pending *chat.Message, usage *chat.Usage, done chat.Event, onEvent func(chat.Event)) error {
	e.state = StateCompleted
	pending.Finalize()
	if !pending.IsEmpty() {
		e.store.Append(pending)
	}
	e.recountTokens()
	if usage != nil {
		e.acct.Reconcile(*usage)
	}
	onEvent(done)
	e.state = StateIdle
	return nil
}

// failKeepingPartial commits already-streamed deltas on explicit caller
// choice, then surfaces the cancellation.
func (e *Engine) failKeepingPartial(pending *chat.Message, ev chat.Event, onEvent func(chat.Event)) error {
	e.state = StateFailed
	pending.Finalize()
	if !pending.IsEmpty() {
		e.store.Append(pending)
	}
	e.recountTokens()
	onEvent(ev)
	e.state = StateIdle
	return ev.Err
}

// normalizeStreamError distinguishes caller cancellation and watchdog
// timeouts from genuine provider-side stream errors.
func (e *Engine) normalizeStreamError(ctx context.Context, wd *watchdog, ev chat.Event) chat.Event {
	switch {
	case wd != nil && wd.Fired():
		return chat.ErrorEvent(chat.ErrProviderUnavailable,
			"no data received within the stream timeout")
	case ctx.Err() != nil:
		return chat.ErrorEvent(chat.ErrCancelled, ctx.Err().Error())
	default:
		return ev
	}
}

// transportError maps a request execution failure before any event decode.
func (e *Engine) transportError(ctx context.Context, wd *watchdog, err error) chat.Event {
	switch {
	case wd != nil && wd.Fired():
		return chat.ErrorEvent(chat.ErrProviderUnavailable,
			"no data received within the stream timeout")
	case ctx.Err() != nil:
		return chat.ErrorEvent(chat.ErrCancelled, ctx.Err().Error())
	default:
		return chat.ErrorEvent(chat.ErrProviderUnavailable, err.Error())
	}
}

// buildRequest snapshots the live context into an immutable request. Media
// parts are stripped for models without vision support.
func (e *Engine) buildRequest(stream bool) *chat.Request {
	messages := e.store.History()
	if !e.spec.SupportsVision {
		messages = stripMedia(messages)
	}

	return &chat.Request{
		ModelID:         e.modelID,
		Model:           e.spec.Name,
		Messages:        messages,
		Temperature:     e.temperature,
		TopP:            e.topP,
		MaxOutputTokens: e.spec.MaxOutputTokens,
		Stream:          stream,
	}
}

// stripMedia drops media reference parts, copying only messages that
// actually carry media.
func stripMedia(messages []*chat.Message) []*chat.Message {
	out := make([]*chat.Message, len(messages))
	for i, m := range messages {
		if len(m.MediaParts()) == 0 {
			out[i] = m
			continue
		}
		clone := m.Clone()
		parts := clone.Parts[:0]
		for _, p := range clone.Parts {
			if !p.IsMedia() {
				parts = append(parts, p)
			}
		}
		clone.Parts = parts
		out[i] = clone
	}
	return out
}
