// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package chat

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a turn failure into the normalized taxonomy shared by
// every provider codec.
type ErrorKind string

const (
	ErrUnknownModel        ErrorKind = "unknown_model"
	ErrDuplicateModel      ErrorKind = "duplicate_model"
	ErrAuthFailed          ErrorKind = "auth_failed"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrContextTooLong      ErrorKind = "context_too_long"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrCancelled           ErrorKind = "cancelled"
	ErrMalformedFrame      ErrorKind = "malformed_frame"
	ErrUnknown             ErrorKind = "unknown"
)

// Error carries a normalized kind plus whatever raw diagnostic fragment the
// provider gave us, so the caller can decide whether to retry, revise, or
// abort.
type Error struct {
	Kind   ErrorKind
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is allows errors.Is comparison against another *Error by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError creates a normalized chat error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// KindOf extracts the normalized kind from an error, mapping unrecognized
// errors to ErrUnknown.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}

// =============================================================================
// EVENT TYPE
// =============================================================================

// EventKind discriminates the Event variants.
type EventKind string

const (
	// EventDelta carries an incremental content fragment.
	EventDelta EventKind = "delta"

	// EventMeta carries provider tool/metadata info that is forwarded but
	// not folded into conversation content.
	EventMeta EventKind = "meta"

	// EventUsage carries exact token counts reported by the provider.
	EventUsage EventKind = "usage"

	// EventDone terminates a successful turn.
	EventDone EventKind = "done"

	// EventError terminates a failed turn.
	EventError EventKind = "error"
)

// Usage holds exact token counts reported by a provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Event is one element of the normalized response sequence for a turn. The
// sequence is finite, ordered, non-restartable, and terminated by exactly
// one Done or one Error event.
type Event struct {
	Kind EventKind

	// Text is the content fragment for Delta events, or the full response
	// content for a non-streamed Done.
	Text string

	// Info is the payload for Meta events.
	Info string

	// Usage is set for Usage events, and may accompany Done.
	Usage *Usage

	// Err is set for Error events.
	Err *Error
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// DeltaEvent creates an incremental content event.
func DeltaEvent(text string) Event {
	return Event{Kind: EventDelta, Text: text}
}

// MetaEvent creates a tool/metadata event.
func MetaEvent(info string) Event {
	return Event{Kind: EventMeta, Info: info}
}

// UsageEvent creates an exact-usage event.
func UsageEvent(prompt, completion int) Event {
	return Event{Kind: EventUsage, Usage: &Usage{PromptTokens: prompt, CompletionTokens: completion}}
}

// DoneEvent creates the successful terminal event.
func DoneEvent() Event {
	return Event{Kind: EventDone}
}

// DoneEventWithText creates a terminal event carrying the full response
// content, used by non-streamed decodes.
func DoneEventWithText(text string, usage *Usage) Event {
	return Event{Kind: EventDone, Text: text, Usage: usage}
}

// ErrorEvent creates the failed terminal event.
func ErrorEvent(kind ErrorKind, detail string) Event {
	return Event{Kind: EventError, Err: NewError(kind, detail)}
}
