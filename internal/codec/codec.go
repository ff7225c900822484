// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package codec implements the per-provider wire translators. Each codec
// builds provider-specific HTTP requests from a normalized chat.Request and
// parses provider response bytes back into the normalized chat.Event
// sequence. Codecs are pure translators: they never execute requests.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tj800x/aichat/internal/chat"
)

// Config holds the per-provider connection settings a codec is constructed
// with. API keys are injected by the caller; codecs never read the
// environment themselves.
type Config struct {
	// APIBase is the provider endpoint base URL, no trailing slash.
	APIBase string

	// APIKey is the credential placed in the provider's auth header. May be
	// empty for providers that need none (e.g. a local ollama).
	APIKey string

	// UserAgent is sent on every request.
	UserAgent string
}

// Codec translates between the normalized request/event model and one
// provider family's wire format.
type Codec interface {
	// Family returns the provider family name ("openai", "claude", ...).
	Family() string

	// Encode builds the provider HTTP request for one turn.
	Encode(ctx context.Context, req *chat.Request) (*http.Request, error)

	// DecodeStream wraps a streamed response body in a lazy, finite,
	// non-restartable event sequence. The caller owns closing the body.
	DecodeStream(r *http.Response) *Stream

	// DecodeResponse parses a non-streamed exchange into a single terminal
	// event: Done carrying the full content, or Error.
	DecodeResponse(status int, body []byte) chat.Event
}

// New constructs the codec for a provider family. Unknown families fall
// back to the openai codec, which is the de-facto compatible wire shape for
// custom endpoints.
func New(family string, cfg Config) Codec {
	switch family {
	case FamilyClaude:
		return NewClaudeCodec(cfg)
	case FamilyGemini:
		return NewGeminiCodec(cfg)
	case FamilyOllama:
		return NewOllamaCodec(cfg)
	default:
		return NewOpenAICodec(cfg)
	}
}

// Provider family names.
const (
	FamilyOpenAI = "openai"
	FamilyClaude = "claude"
	FamilyGemini = "gemini"
	FamilyOllama = "ollama"
)

// DefaultUserAgent identifies this client on the wire.
const DefaultUserAgent = "aichat/0.3.0"

// =============================================================================
// SHARED ERROR MAPPING
// =============================================================================

// wireError is the common shape of provider error payloads. OpenAI-style
// bodies nest under "error"; Claude puts a type alongside.
type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapHTTPError converts a non-200 provider exchange into the normalized
// terminal error event. The raw diagnostic fragment is always preserved.
func mapHTTPError(status int, body []byte) chat.Event {
	detail := errorDetail(body)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chat.ErrorEvent(chat.ErrAuthFailed, detail)
	case status == http.StatusTooManyRequests:
		return chat.ErrorEvent(chat.ErrRateLimited, detail)
	case status == http.StatusRequestEntityTooLarge:
		return chat.ErrorEvent(chat.ErrContextTooLong, detail)
	case status == http.StatusBadRequest && looksLikeContextOverflow(detail):
		return chat.ErrorEvent(chat.ErrContextTooLong, detail)
	case status >= 500:
		return chat.ErrorEvent(chat.ErrProviderUnavailable, detail)
	default:
		return chat.ErrorEvent(chat.ErrUnknown, detail)
	}
}

// errorDetail extracts the provider's error message, falling back to the
// raw body fragment when the payload is not in a recognized shape.
func errorDetail(body []byte) string {
	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error.Message != "" {
		return we.Error.Message
	}
	return string(bytes.TrimSpace(body))
}

// looksLikeContextOverflow detects context-window errors that providers
// report as a generic 400.
func looksLikeContextOverflow(detail string) bool {
	d := strings.ToLower(detail)
	if !strings.Contains(d, "context") && !strings.Contains(d, "prompt") {
		return false
	}
	return strings.Contains(d, "length") || strings.Contains(d, "token") ||
		strings.Contains(d, "too long") || strings.Contains(d, "too large")
}
