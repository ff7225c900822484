// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package token estimates token counts against a model's context window and
// drives compression decisions.
package token

import (
	"unicode/utf8"

	"github.com/tj800x/aichat/internal/chat"
)

// MinCompressThreshold is the floor for the configured compression
// threshold. Smaller values are rejected by the config layer; the
// accountant enforces the floor again in case they are not.
const MinCompressThreshold = 1000

// Per-provider character-per-token divisors. No exact tokenizer ships with
// this client; a length heuristic scaled per provider family is close
// enough for budgeting, and exact provider Usage supersedes it when
// reported.
var charsPerToken = map[string]float64{
	"openai": 4.0,
	"claude": 3.6,
	"gemini": 4.0,
	"ollama": 4.0,
}

const defaultCharsPerToken = 4.0

// messageOverhead approximates the per-message wire framing cost.
const messageOverhead = 4

// mediaTokenCost is the flat estimate charged for a media reference part.
const mediaTokenCost = 765

// Accountant tracks the running token total of one session. It is owned by
// a single engine and never shared, so it needs no locking.
type Accountant struct {
	family  string
	divisor float64

	// running is the estimated token total of the live context. It is
	// recomputed monotonically after every append or compression and is
	// replaced by exact provider usage on reconciliation.
	running int
}

// NewAccountant creates an accountant scaled for the given provider family.
func NewAccountant(family string) *Accountant {
	divisor, ok := charsPerToken[family]
	if !ok {
		divisor = defaultCharsPerToken
	}
	return &Accountant{family: family, divisor: divisor}
}

// Estimate approximates the token count of one message.
func (a *Accountant) Estimate(m *chat.Message) int {
	tokens := messageOverhead
	for _, p := range m.Parts {
		switch p.Kind {
		case chat.PartText:
			tokens += a.estimateText(p.Text)
		case chat.PartMediaRef:
			tokens += mediaTokenCost
		}
	}
	return tokens
}

// EstimateAll approximates the total token count of a message sequence.
func (a *Accountant) EstimateAll(messages []*chat.Message) int {
	total := 0
	for _, m := range messages {
		total += a.Estimate(m)
	}
	return total
}

func (a *Accountant) estimateText(text string) int {
	n := utf8.RuneCountInString(text)
	return int(float64(n)/a.divisor) + 1
}

// RunningTotal returns the current estimated total for the session.
func (a *Accountant) RunningTotal() int {
	return a.running
}

// SetRunningTotal replaces the running total after an append or
// compression recompute. Negative values clamp to zero.
func (a *Accountant) SetRunningTotal(total int) {
	if total < 0 {
		total = 0
	}
	a.running = total
}

// Reconcile replaces the estimate with exact usage reported by the
// provider. The next turn's context is the prompt plus the new completion.
func (a *Accountant) Reconcile(u chat.Usage) {
	if total := u.Total(); total > 0 {
		a.running = total
	}
}

// ShouldCompress reports whether the running total has crossed the
// configured threshold. A threshold above the model's true window never
// triggers; the window itself is the hard limit handled by
// BudgetRemaining.
func ShouldCompress(runningTotal, maxInputTokens, threshold int) bool {
	if threshold < MinCompressThreshold {
		threshold = MinCompressThreshold
	}
	if threshold > maxInputTokens {
		return false
	}
	return runningTotal >= threshold
}

// BudgetRemaining returns how many input tokens are left before the
// model's window is exceeded. A non-positive result means the request
// must fail locally with ContextTooLong before any network call.
func BudgetRemaining(runningTotal, maxInputTokens int) int {
	return maxInputTokens - runningTotal
}
