// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package token

import (
	"strings"
	"testing"

	"github.com/tj800x/aichat/internal/chat"
)

func TestAccountant_Estimate(t *testing.T) {
	a := NewAccountant("openai")

	m := chat.NewUserMessage(strings.Repeat("x", 400))
	got := a.Estimate(m)

	// 400 chars / 4.0 + 1 text rounding + 4 overhead.
	want := 100 + 1 + messageOverhead
	if got != want {
		t.Errorf("Estimate = %d, want %d", got, want)
	}
}

func TestAccountant_EstimateFamilies(t *testing.T) {
	text := strings.Repeat("y", 360)
	openai := NewAccountant("openai").Estimate(chat.NewUserMessage(text))
	claude := NewAccountant("claude").Estimate(chat.NewUserMessage(text))

	// Claude's divisor is smaller, so its estimate must be higher.
	if claude <= openai {
		t.Errorf("claude estimate %d should exceed openai estimate %d", claude, openai)
	}

	unknown := NewAccountant("myprovider").Estimate(chat.NewUserMessage(text))
	if unknown != openai {
		t.Errorf("unknown family should use the default divisor: %d vs %d", unknown, openai)
	}
}

func TestAccountant_EstimateMedia(t *testing.T) {
	a := NewAccountant("openai")

	m := chat.NewUserMessageWithMedia("look",
		chat.MediaPart("https://example.com/img.png", "image/png"))
	if got := a.Estimate(m); got < mediaTokenCost {
		t.Errorf("Estimate = %d, media should cost at least %d", got, mediaTokenCost)
	}
}

func TestAccountant_RunningTotal(t *testing.T) {
	a := NewAccountant("openai")

	a.SetRunningTotal(500)
	if a.RunningTotal() != 500 {
		t.Errorf("RunningTotal = %d", a.RunningTotal())
	}

	a.SetRunningTotal(-10)
	if a.RunningTotal() != 0 {
		t.Errorf("negative totals must clamp to zero, got %d", a.RunningTotal())
	}
}

func TestAccountant_Reconcile(t *testing.T) {
	a := NewAccountant("openai")
	a.SetRunningTotal(100)

	a.Reconcile(chat.Usage{PromptTokens: 800, CompletionTokens: 50})
	if a.RunningTotal() != 850 {
		t.Errorf("after reconcile = %d, want 850", a.RunningTotal())
	}

	// Zero usage reports are ignored; the estimate stands.
	a.Reconcile(chat.Usage{})
	if a.RunningTotal() != 850 {
		t.Errorf("zero usage must not reset the total, got %d", a.RunningTotal())
	}
}

func TestShouldCompress(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		max       int
		threshold int
		want      bool
	}{
		{"below threshold", 999, 8192, 1000, false},
		{"at threshold", 1000, 8192, 1000, true},
		{"above threshold", 1200, 8192, 1000, true},
		{"threshold floored", 600, 8192, 500, false},
		{"floored value triggers", 1000, 8192, 500, true},
		{"threshold above window", 9000, 8192, 9000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldCompress(tt.total, tt.max, tt.threshold); got != tt.want {
				t.Errorf("ShouldCompress(%d, %d, %d) = %v, want %v",
					tt.total, tt.max, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestBudgetRemaining(t *testing.T) {
	if got := BudgetRemaining(8000, 8192); got != 192 {
		t.Errorf("BudgetRemaining = %d, want 192", got)
	}
	if got := BudgetRemaining(9000, 8192); got >= 0 {
		t.Errorf("over budget must be negative, got %d", got)
	}
}
