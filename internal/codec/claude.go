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
	"strings"

	"github.com/tj800x/aichat/internal/chat"
)

// anthropicVersion is the API version header value required on every
// request. Reproduced byte-for-byte from the provider contract.
const anthropicVersion = "2023-06-01"

// ClaudeCodec speaks the Anthropic messages wire format.
//
// Wire contract: POST {base}/v1/messages with an x-api-key header; the
// system prompt travels as a top-level field, never inside messages.
// Streamed responses are typed SSE events (message_start,
// content_block_delta, message_delta, message_stop) with ping heartbeats.
type ClaudeCodec struct {
	cfg Config
}

// NewClaudeCodec creates the Anthropic family codec.
func NewClaudeCodec(cfg Config) *ClaudeCodec {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &ClaudeCodec{cfg: cfg}
}

// Family returns the provider family name.
func (c *ClaudeCodec) Family() string { return FamilyClaude }

// =============================================================================
// REQUEST ENCODING
// =============================================================================

type claudeContentBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// claudeDefaultMaxTokens is used when the caller does not cap output; the
// messages API requires the field.
const claudeDefaultMaxTokens = 4096

// Encode builds the messages-API HTTP request.
func (c *ClaudeCodec) Encode(ctx context.Context, req *chat.Request) (*http.Request, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}

	body := claudeRequest{
		Model:       req.Model,
		System:      req.SystemText(),
		Messages:    encodeClaudeMessages(req.NonSystemMessages()),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func encodeClaudeMessages(messages []*chat.Message) []claudeMessage {
	out := make([]claudeMessage, 0, len(messages))
	for _, m := range messages {
		blocks := make([]claudeContentBlock, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				blocks = append(blocks, claudeContentBlock{Type: "text", Text: p.Text})
			case chat.PartMediaRef:
				blocks = append(blocks, claudeContentBlock{
					Type:   "image",
					Source: claudeImageSource(p),
				})
			}
		}
		out = append(out, claudeMessage{Role: m.Role.String(), Content: blocks})
	}
	return out
}

// claudeImageSource encodes a media reference. Data URIs become base64
// source blocks; everything else is passed as a URL source.
func claudeImageSource(p chat.Part) *claudeSource {
	if data, ok := strings.CutPrefix(p.URI, "data:"); ok {
		mime, b64, found := strings.Cut(data, ";base64,")
		if found {
			return &claudeSource{Type: "base64", MediaType: mime, Data: b64}
		}
	}
	return &claudeSource{Type: "url", URL: p.URI}
}

// =============================================================================
// RESPONSE DECODING
// =============================================================================

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeStream parses the typed SSE event stream into normalized events.
func (c *ClaudeCodec) DecodeStream(resp *http.Response) *Stream {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
		ev := mapHTTPError(resp.StatusCode, body)
		return NewStream(func() chat.Event { return ev })
	}

	reader := newSSEReader(resp.Body)
	var promptTokens int

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

			var ev claudeStreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return chat.ErrorEvent(chat.ErrMalformedFrame, string(data))
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					return chat.DeltaEvent(ev.Delta.Text)
				}
			case "message_start":
				if ev.Message != nil {
					promptTokens = ev.Message.Usage.InputTokens
				}
			case "message_delta":
				if ev.Usage != nil {
					return chat.UsageEvent(promptTokens, ev.Usage.OutputTokens)
				}
			case "message_stop":
				return chat.DoneEvent()
			case "error":
				if ev.Error != nil {
					return chat.ErrorEvent(claudeErrorKind(ev.Error.Type, ev.Error.Message), ev.Error.Message)
				}
				return chat.ErrorEvent(chat.ErrUnknown, string(data))
			case "ping", "content_block_start", "content_block_stop":
				// Heartbeats and block framing carry no content.
			}
		}
	})
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeResponse parses a non-streamed exchange.
func (c *ClaudeCodec) DecodeResponse(status int, body []byte) chat.Event {
	if status != http.StatusOK {
		return mapHTTPError(status, body)
	}

	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return chat.ErrorEvent(chat.ErrMalformedFrame, string(bytes.TrimSpace(body)))
	}
	if resp.Error != nil {
		return chat.ErrorEvent(claudeErrorKind(resp.Error.Type, resp.Error.Message), resp.Error.Message)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	usage := &chat.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}
	return chat.DoneEventWithText(sb.String(), usage)
}

// claudeErrorKind maps Anthropic error types to the normalized taxonomy.
func claudeErrorKind(errType, message string) chat.ErrorKind {
	switch errType {
	case "authentication_error", "permission_error":
		return chat.ErrAuthFailed
	case "rate_limit_error":
		return chat.ErrRateLimited
	case "overloaded_error", "api_error":
		return chat.ErrProviderUnavailable
	case "request_too_large":
		return chat.ErrContextTooLong
	case "invalid_request_error":
		if looksLikeContextOverflow(message) {
			return chat.ErrContextTooLong
		}
		return chat.ErrUnknown
	default:
		return chat.ErrUnknown
	}
}
