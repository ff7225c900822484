// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package chat contains the normalized message and event model shared by
// every provider codec and the session engine.
package chat

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// PART TYPE
// =============================================================================

// PartKind discriminates the Part variants.
type PartKind string

const (
	PartText     PartKind = "text"
	PartMediaRef PartKind = "media"
)

// Part is one element of a message's content. Exactly one of Text or
// URI/MIME is meaningful, selected by Kind.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	URI  string   `json:"uri,omitempty"`
	MIME string   `json:"mime,omitempty"`
}

// TextPart creates a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// MediaPart creates a media reference part.
func MediaPart(uri, mime string) Part {
	return Part{Kind: PartMediaRef, URI: uri, MIME: mime}
}

// IsMedia reports whether the part references external media.
func (p Part) IsMedia() bool {
	return p.Kind == PartMediaRef
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single message in a conversation. Content is an ordered
// sequence of parts and is append-only once the message is finalized.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`

	// Streaming state. A pending assistant message accumulates deltas in
	// the builder and merges them into Parts on Finalize.
	streaming     bool
	streamContent strings.Builder
	finalized     bool
}

// NewMessage creates a finalized message with the given role and text content.
func NewMessage(role Role, text string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Parts:     []Part{TextPart(text)},
		Timestamp: time.Now(),
		finalized: true,
	}
}

// NewSystemMessage creates a finalized system message.
func NewSystemMessage(text string) *Message {
	return NewMessage(RoleSystem, text)
}

// NewUserMessage creates a finalized user message.
func NewUserMessage(text string) *Message {
	return NewMessage(RoleUser, text)
}

// NewUserMessageWithMedia creates a user message carrying text plus media
// reference parts, in the order given.
func NewUserMessageWithMedia(text string, media ...Part) *Message {
	parts := make([]Part, 0, len(media)+1)
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	parts = append(parts, media...)
	return &Message{
		ID:        generateID(),
		Role:      RoleUser,
		Parts:     parts,
		Timestamp: time.Now(),
		finalized: true,
	}
}

// NewPendingAssistantMessage creates an assistant message in streaming state.
// Deltas are appended with AppendDelta and merged on Finalize.
func NewPendingAssistantMessage() *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		streaming: true,
	}
}

// AppendDelta appends an incremental content fragment to a streaming message.
// It is a no-op on finalized messages.
func (m *Message) AppendDelta(text string) {
	if m.streaming {
		m.streamContent.WriteString(text)
	}
}

// Finalize merges accumulated deltas into the part list and seals the
// message. Further AppendDelta calls are ignored.
func (m *Message) Finalize() {
	if m.streaming {
		if m.streamContent.Len() > 0 {
			m.Parts = append(m.Parts, TextPart(m.streamContent.String()))
		}
		m.streamContent.Reset()
		m.streaming = false
	}
	m.finalized = true
}

// Finalized reports whether the message content is sealed.
func (m *Message) Finalized() bool {
	return m.finalized
}

// Text returns the concatenated text content, including any pending
// streamed content for a message still being built.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	if m.streaming {
		sb.WriteString(m.streamContent.String())
	}
	return sb.String()
}

// MediaParts returns the media reference parts in order.
func (m *Message) MediaParts() []Part {
	var media []Part
	for _, p := range m.Parts {
		if p.IsMedia() {
			media = append(media, p)
		}
	}
	return media
}

// IsEmpty reports whether the message carries no content at all.
func (m *Message) IsEmpty() bool {
	return len(m.Parts) == 0 && m.streamContent.Len() == 0
}

// Clone returns a deep copy of a finalized message.
func (m *Message) Clone() *Message {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	return &Message{
		ID:        m.ID,
		Role:      m.Role,
		Parts:     parts,
		Timestamp: m.Timestamp,
		finalized: m.finalized,
	}
}

// RestoreMessage rebuilds a finalized message from persisted fields.
func RestoreMessage(id string, role Role, parts []Part, timestamp time.Time) *Message {
	return &Message{
		ID:        id,
		Role:      role,
		Parts:     parts,
		Timestamp: timestamp,
		finalized: true,
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
