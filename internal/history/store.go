// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package history holds the ordered conversation context of one session:
// append, compression, and the persistence byte encoding.
package history

import (
	"context"
	"fmt"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/token"
)

// summaryReserve is the token allowance assumed for the synthetic summary
// message when choosing how much prefix to compress.
const summaryReserve = 512

// Summarizer maps an ordered message sequence to summary text. The engine
// provides an implementation that calls the model itself.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*chat.Message) (string, error)
}

// Store is the ordered conversation history. The leading system/role
// message, when present, is pinned: it is always first and never subject
// to compression or truncation. A Store is exclusively owned by one
// session engine and is not safe for concurrent use.
type Store struct {
	system   *chat.Message
	messages []*chat.Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// NewStoreWithSystem creates a store pinned to the given system prompt.
func NewStoreWithSystem(prompt string) *Store {
	s := &Store{}
	if prompt != "" {
		s.system = chat.NewSystemMessage(prompt)
	}
	return s
}

// SetSystem replaces the pinned system message. An empty prompt clears it.
func (s *Store) SetSystem(prompt string) {
	if prompt == "" {
		s.system = nil
		return
	}
	s.system = chat.NewSystemMessage(prompt)
}

// System returns the pinned system message, or nil.
func (s *Store) System() *chat.Message {
	return s.system
}

// Append adds a finalized message to the history. System messages replace
// the pinned slot instead of joining the ordered list.
func (s *Store) Append(m *chat.Message) {
	if m.Role == chat.RoleSystem {
		s.system = m
		return
	}
	s.messages = append(s.messages, m)
}

// History returns the ordered conversation, pinned system message first.
// The returned slice is a copy; the messages are shared.
func (s *Store) History() []*chat.Message {
	out := make([]*chat.Message, 0, len(s.messages)+1)
	if s.system != nil {
		out = append(out, s.system)
	}
	return append(out, s.messages...)
}

// Len returns the number of messages including the pinned system message.
func (s *Store) Len() int {
	n := len(s.messages)
	if s.system != nil {
		n++
	}
	return n
}

// TruncateTo discards messages beyond the first n non-system entries.
// Used by the engine to roll a failed turn back to its pre-turn state.
func (s *Store) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.messages) {
		s.messages = s.messages[:n]
	}
}

// NonSystemLen returns the number of non-system messages.
func (s *Store) NonSystemLen() int {
	return len(s.messages)
}

// Clear drops all non-system messages. The pinned system message stays.
func (s *Store) Clear() {
	s.messages = nil
}

// =============================================================================
// COMPRESSION
// =============================================================================

// CompressionResult reports what a destructive Compress replaced.
type CompressionResult struct {
	// Replaced is the contiguous prefix that was summarized away. Callers
	// may archive it; it is no longer part of the live context.
	Replaced []*chat.Message

	// Summary is the synthetic assistant message now standing in for the
	// replaced prefix.
	Summary *chat.Message

	// TokensBefore and TokensAfter are estimated totals around the
	// compression.
	TokensBefore int
	TokensAfter  int
}

// Compress destructively replaces a contiguous prefix of non-system
// messages with one synthetic assistant summary so the estimated total
// drops to the target. The pinned system message is never touched, the
// untouched suffix keeps its order, and the operation is irreversible on
// the in-memory store.
//
// The shortest prefix that brings the remainder under the target is
// chosen, keeping as much recent context verbatim as possible. If no
// prefix can reduce the total below the target (e.g. one oversized recent
// message), Compress fails with ContextTooLong instead of looping.
func (s *Store) Compress(ctx context.Context, summarizer Summarizer, acct *token.Accountant, target int) (*CompressionResult, error) {
	if target <= 0 {
		return nil, fmt.Errorf("compression target must be positive, got %d", target)
	}
	if len(s.messages) < 2 {
		return nil, chat.NewError(chat.ErrContextTooLong,
			"history cannot be compressed further")
	}

	systemTokens := 0
	if s.system != nil {
		systemTokens = acct.Estimate(s.system)
	}
	before := systemTokens + acct.EstimateAll(s.messages)

	// Find the shortest prefix whose removal (plus the summary allowance)
	// fits the target. At least the most recent message always survives.
	prefixLen := -1
	suffixTokens := acct.EstimateAll(s.messages)
	for k := 1; k < len(s.messages); k++ {
		suffixTokens -= acct.Estimate(s.messages[k-1])
		if systemTokens+summaryReserve+suffixTokens <= target {
			prefixLen = k
			break
		}
	}
	if prefixLen < 0 {
		return nil, chat.NewError(chat.ErrContextTooLong,
			fmt.Sprintf("history cannot be reduced below %d tokens", target))
	}

	prefix := s.messages[:prefixLen]
	summaryText, err := summarizer.Summarize(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}

	summary := chat.NewMessage(chat.RoleAssistant, summaryText)

	replaced := make([]*chat.Message, prefixLen)
	copy(replaced, prefix)

	remaining := make([]*chat.Message, 0, len(s.messages)-prefixLen+1)
	remaining = append(remaining, summary)
	remaining = append(remaining, s.messages[prefixLen:]...)

	after := systemTokens + acct.EstimateAll(remaining)
	if after >= before {
		// A summary longer than what it replaced defeats the purpose;
		// leave the store untouched.
		return nil, chat.NewError(chat.ErrContextTooLong,
			"summary did not reduce the context size")
	}
	s.messages = remaining

	return &CompressionResult{
		Replaced:     replaced,
		Summary:      summary,
		TokensBefore: before,
		TokensAfter:  after,
	}, nil
}
