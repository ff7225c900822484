// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package chat

// Request is an immutable snapshot of everything a codec needs to build one
// provider HTTP request. It is assembled fresh per turn; the message slice
// must not be mutated after construction.
type Request struct {
	// ModelID is the full "provider:model" identifier.
	ModelID string

	// Model is the provider-local model name (the part after the colon).
	Model string

	// Messages is the ordered conversation to send, system message first
	// when present.
	Messages []*Message

	// Sampling parameters. Nil means "use the provider default".
	Temperature *float64
	TopP        *float64

	// MaxOutputTokens caps completion length when >0.
	MaxOutputTokens int

	// Stream selects streamed delivery of the response.
	Stream bool
}

// SystemText returns the text of the leading system message, or "".
func (r *Request) SystemText() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[0].Text()
	}
	return ""
}

// NonSystemMessages returns the messages after the leading system message.
func (r *Request) NonSystemMessages() []*Message {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[1:]
	}
	return r.Messages
}
