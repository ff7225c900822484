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

// OllamaCodec speaks the ollama chat wire format for local models.
//
// Wire contract: POST {base}/api/chat with no auth header; streamed
// responses are NDJSON, one JSON object per line, terminated by a frame
// with done:true carrying prompt_eval_count/eval_count as usage.
type OllamaCodec struct {
	cfg Config
}

// NewOllamaCodec creates the ollama family codec.
func NewOllamaCodec(cfg Config) *OllamaCodec {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &OllamaCodec{cfg: cfg}
}

// Family returns the provider family name.
func (c *OllamaCodec) Family() string { return FamilyOllama }

// =============================================================================
// REQUEST ENCODING
// =============================================================================

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *struct {
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		NumPredict  int      `json:"num_predict,omitempty"`
	} `json:"options,omitempty"`
}

// Encode builds the /api/chat HTTP request.
func (c *OllamaCodec) Encode(ctx context.Context, req *chat.Request) (*http.Request, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: encodeOllamaMessages(req.Messages),
		Stream:   req.Stream,
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxOutputTokens > 0 {
		body.Options = &struct {
			Temperature *float64 `json:"temperature,omitempty"`
			TopP        *float64 `json:"top_p,omitempty"`
			NumPredict  int      `json:"num_predict,omitempty"`
		}{req.Temperature, req.TopP, req.MaxOutputTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	return httpReq, nil
}

func encodeOllamaMessages(messages []*chat.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role.String(), Content: m.Text()}
		for _, p := range m.MediaParts() {
			// Ollama expects raw base64 images without the data-URI wrapper.
			if data, ok := strings.CutPrefix(p.URI, "data:"); ok {
				if _, b64, found := strings.Cut(data, ";base64,"); found {
					om.Images = append(om.Images, b64)
				}
			}
		}
		out = append(out, om)
	}
	return out
}

// =============================================================================
// RESPONSE DECODING
// =============================================================================

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// DecodeStream parses the NDJSON response body into normalized events.
func (c *OllamaCodec) DecodeStream(resp *http.Response) *Stream {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
		ev := mapHTTPError(resp.StatusCode, body)
		return NewStream(func() chat.Event { return ev })
	}

	reader := newNDJSONReader(resp.Body)
	var pendingDone *chat.Event

	return NewStream(func() chat.Event {
		if pendingDone != nil {
			ev := *pendingDone
			pendingDone = nil
			return ev
		}
		for {
			frame, err := reader.ReadFrame()
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

			var chunk ollamaChunk
			if err := json.Unmarshal(frame, &chunk); err != nil {
				return chat.ErrorEvent(chat.ErrMalformedFrame, string(frame))
			}

			if chunk.Error != "" {
				return chat.ErrorEvent(ollamaErrorKind(chunk.Error), chunk.Error)
			}

			if chunk.Done {
				done := chat.Event{
					Kind: chat.EventDone,
					Usage: &chat.Usage{
						PromptTokens:     chunk.PromptEvalCount,
						CompletionTokens: chunk.EvalCount,
					},
				}
				// The final frame may still carry trailing content.
				if chunk.Message.Content != "" {
					pendingDone = &done
					return chat.DeltaEvent(chunk.Message.Content)
				}
				return done
			}

			if chunk.Message.Content != "" {
				return chat.DeltaEvent(chunk.Message.Content)
			}
		}
	})
}

// DecodeResponse parses a non-streamed exchange.
func (c *OllamaCodec) DecodeResponse(status int, body []byte) chat.Event {
	if status != http.StatusOK {
		return mapHTTPError(status, body)
	}

	var chunk ollamaChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return chat.ErrorEvent(chat.ErrMalformedFrame, string(bytes.TrimSpace(body)))
	}
	if chunk.Error != "" {
		return chat.ErrorEvent(ollamaErrorKind(chunk.Error), chunk.Error)
	}

	usage := &chat.Usage{
		PromptTokens:     chunk.PromptEvalCount,
		CompletionTokens: chunk.EvalCount,
	}
	return chat.DoneEventWithText(chunk.Message.Content, usage)
}

// ollamaErrorKind maps ollama error strings to the normalized taxonomy.
func ollamaErrorKind(msg string) chat.ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "not found"):
		return chat.ErrUnknownModel
	case looksLikeContextOverflow(m):
		return chat.ErrContextTooLong
	default:
		return chat.ErrUnknown
	}
}
