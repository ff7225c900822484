// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/tj800x/aichat/internal/chat"
)

// defaultSummarizePrompt is the default compression strategy. The wording
// is a policy choice, so Options.SummarizePrompt can replace it.
const defaultSummarizePrompt = `You are a conversation summarizer. Create a concise summary of the conversation below.

Guidelines:
- Extract key facts, decisions, names, and figures
- Preserve details needed to continue the conversation naturally
- Keep the summary under 300 words
- Omit pleasantries and repetition`

// summaryMaxTokens caps the summarization sub-request's completion.
const summaryMaxTokens = 500

// summaryTemperature keeps summaries focused.
var summaryTemperature = 0.3

// compress shrinks the context to half the model's window, archiving the
// replaced prefix first when an archiver is configured.
func (e *Engine) compress(ctx context.Context) error {
	target := e.spec.MaxInputTokens / 2

	result, err := e.store.Compress(ctx, e.summarizer(), e.acct, target)
	if err != nil {
		return err
	}
	e.recountTokens()

	if e.archiver != nil {
		if err := e.archiver.ArchiveCompression(e.sessionID, result.Replaced, result.Summary); err != nil {
			// Audit is best-effort; the live context is already compressed.
			log.Printf("compression archive failed: %v", err)
		}
	}
	return nil
}

// summarizer returns the model-backed summarizer for this session.
func (e *Engine) summarizer() *modelSummarizer {
	prompt := e.summarizePrompt
	if prompt == "" {
		prompt = defaultSummarizePrompt
	}
	return &modelSummarizer{engine: e, prompt: prompt}
}

// modelSummarizer invokes the session's own model to summarize a message
// prefix. The sub-request goes straight to the codec and never re-enters
// the turn state machine, so it can never re-trigger compression — that
// guarantees termination of the recursive self-invocation.
type modelSummarizer struct {
	engine *Engine
	prompt string
}

// Summarize implements history.Summarizer.
func (s *modelSummarizer) Summarize(ctx context.Context, messages []*chat.Message) (string, error) {
	e := s.engine

	req := &chat.Request{
		ModelID: e.modelID,
		Model:   e.spec.Name,
		Messages: []*chat.Message{
			chat.NewSystemMessage(s.prompt),
			chat.NewUserMessage(buildTranscript(messages)),
		},
		Temperature:     &summaryTemperature,
		MaxOutputTokens: summaryMaxTokens,
		Stream:          false,
	}

	httpReq, err := e.wire.Encode(ctx, req)
	if err != nil {
		return "", err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("summarization read failed: %w", readErr)
	}

	ev := e.wire.DecodeResponse(resp.StatusCode, body)
	if ev.Kind == chat.EventError {
		return "", ev.Err
	}

	summary := strings.TrimSpace(ev.Text)
	if summary == "" {
		return "", fmt.Errorf("received empty summary from model")
	}
	return summary, nil
}

// buildTranscript flattens a message prefix into the summarizer's input.
// Very long messages are clipped so the sub-request itself stays small.
func buildTranscript(messages []*chat.Message) string {
	const perMessageLimit = 2000

	var sb strings.Builder
	sb.WriteString("Summarize the following conversation:\n---\n")
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			sb.WriteString("User: ")
		case chat.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		text := m.Text()
		if len(text) > perMessageLimit {
			text = text[:perMessageLimit] + "...[truncated]"
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
