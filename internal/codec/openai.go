// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tj800x/aichat/internal/chat"
)

// OpenAICodec speaks the OpenAI chat-completions wire format. It also
// serves custom OpenAI-compatible endpoints, which reproduce this shape.
//
// Wire contract: POST {base}/chat/completions with a Bearer token; streamed
// responses are SSE "data: {json}" frames terminated by a "data: [DONE]"
// sentinel line.
type OpenAICodec struct {
	cfg Config
}

// NewOpenAICodec creates the OpenAI family codec.
func NewOpenAICodec(cfg Config) *OpenAICodec {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &OpenAICodec{cfg: cfg}
}

// Family returns the provider family name.
func (c *OpenAICodec) Family() string { return FamilyOpenAI }

// =============================================================================
// REQUEST ENCODING
// =============================================================================

// openaiMessage is one wire message. Content is a plain string for
// text-only messages and a part array when media is attached.
type openaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openaiContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *openaiImagePart `json:"image_url,omitempty"`
}

type openaiImagePart struct {
	URL string `json:"url"`
}

type openaiRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// Encode builds the chat-completions HTTP request.
func (c *OpenAICodec) Encode(ctx context.Context, req *chat.Request) (*http.Request, error) {
	body := openaiRequest{
		Model:       req.Model,
		Messages:    encodeOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
	}
	if req.Stream {
		body.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	return httpReq, nil
}

func encodeOpenAIMessages(messages []*chat.Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		media := m.MediaParts()
		if len(media) == 0 {
			out = append(out, openaiMessage{Role: m.Role.String(), Content: m.Text()})
			continue
		}

		parts := make([]openaiContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				parts = append(parts, openaiContentPart{Type: "text", Text: p.Text})
			case chat.PartMediaRef:
				parts = append(parts, openaiContentPart{
					Type:     "image_url",
					ImageURL: &openaiImagePart{URL: p.URI},
				})
			}
		}
		out = append(out, openaiMessage{Role: m.Role.String(), Content: parts})
	}
	return out
}

// =============================================================================
// RESPONSE DECODING
// =============================================================================

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

var doneSentinel = []byte("[DONE]")

// DecodeStream parses the SSE response body into normalized events.
func (c *OpenAICodec) DecodeStream(resp *http.Response) *Stream {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
		ev := mapHTTPError(resp.StatusCode, body)
		return NewStream(func() chat.Event { return ev })
	}

	reader := newSSEReader(resp.Body)
	return NewStream(func() chat.Event {
		for {
			_, data, err := reader.ReadEvent()
			if err != nil {
				if err == io.EOF {
					return chat.DoneEvent()
				}
				var mf *MalformedFrameError
				if errors.As(err, &mf) {
					return chat.ErrorEvent(chat.ErrMalformedFrame, mf.Raw)
				}
				return chat.ErrorEvent(chat.ErrProviderUnavailable, err.Error())
			}

			if bytes.Equal(data, doneSentinel) {
				return chat.DoneEvent()
			}

			var chunk openaiChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return chat.ErrorEvent(chat.ErrMalformedFrame, string(data))
			}

			if chunk.Error != nil {
				return chat.ErrorEvent(openaiErrorKind(chunk.Error.Type, chunk.Error.Code), chunk.Error.Message)
			}
			if chunk.Usage != nil {
				return chat.UsageEvent(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) > 0 {
				if text := chunk.Choices[0].Delta.Content; text != "" {
					return chat.DeltaEvent(text)
				}
				// finish_reason frames with no content are no-ops; the
				// [DONE] sentinel terminates the turn.
			}
		}
	})
}

// DecodeResponse parses a non-streamed exchange.
func (c *OpenAICodec) DecodeResponse(status int, body []byte) chat.Event {
	if status != http.StatusOK {
		return mapHTTPError(status, body)
	}

	var chunk openaiChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return chat.ErrorEvent(chat.ErrMalformedFrame, string(bytes.TrimSpace(body)))
	}
	if chunk.Error != nil {
		return chat.ErrorEvent(openaiErrorKind(chunk.Error.Type, chunk.Error.Code), chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return chat.ErrorEvent(chat.ErrUnknown, string(bytes.TrimSpace(body)))
	}

	var usage *chat.Usage
	if chunk.Usage != nil {
		usage = &chat.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}
	return chat.DoneEventWithText(chunk.Choices[0].Message.Content, usage)
}

// openaiErrorKind maps in-band error payloads to the normalized taxonomy.
func openaiErrorKind(errType, code string) chat.ErrorKind {
	switch {
	case errType == "insufficient_quota" || code == "rate_limit_exceeded" || errType == "rate_limit_error":
		return chat.ErrRateLimited
	case errType == "invalid_api_key" || code == "invalid_api_key" || errType == "authentication_error":
		return chat.ErrAuthFailed
	case code == "context_length_exceeded":
		return chat.ErrContextTooLong
	case errType == "server_error":
		return chat.ErrProviderUnavailable
	default:
		return chat.ErrUnknown
	}
}
