// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tj800x/aichat/internal/chat"
)

// GeminiCodec speaks the Google generative-language wire format.
//
// Wire contract: POST {base}/v1beta/models/{model}:streamGenerateContent
// with ?alt=sse for streaming (:generateContent non-streamed), key in the
// x-goog-api-key header. Roles are "user"/"model"; the system prompt is a
// systemInstruction field. The SSE stream has no sentinel: EOF ends it.
type GeminiCodec struct {
	cfg Config
}

// NewGeminiCodec creates the Google family codec.
func NewGeminiCodec(cfg Config) *GeminiCodec {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &GeminiCodec{cfg: cfg}
}

// Family returns the provider family name.
func (c *GeminiCodec) Family() string { return FamilyGemini }

// =============================================================================
// REQUEST ENCODING
// =============================================================================

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
	FileData *struct {
		MimeType string `json:"mime_type"`
		FileURI  string `json:"file_uri"`
	} `json:"file_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

// Encode builds the generate-content HTTP request.
func (c *GeminiCodec) Encode(ctx context.Context, req *chat.Request) (*http.Request, error) {
	body := geminiRequest{
		Contents: encodeGeminiContents(req.NonSystemMessages()),
	}
	if system := req.SystemText(); system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxOutputTokens > 0 {
		body.GenerationConfig = &struct {
			Temperature     *float64 `json:"temperature,omitempty"`
			TopP            *float64 `json:"topP,omitempty"`
			MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		}{req.Temperature, req.TopP, req.MaxOutputTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	query := ""
	if req.Stream {
		action = "streamGenerateContent"
		query = "?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", c.cfg.APIBase, req.Model, action, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
	return httpReq, nil
}

func encodeGeminiContents(messages []*chat.Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == chat.RoleAssistant {
			role = "model"
		}

		parts := make([]geminiPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				parts = append(parts, geminiPart{Text: p.Text})
			case chat.PartMediaRef:
				parts = append(parts, encodeGeminiMedia(p))
			}
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

// encodeGeminiMedia encodes a media reference. Data URIs become inline_data
// blocks; other URIs are passed as file_data references.
func encodeGeminiMedia(p chat.Part) geminiPart {
	if data, ok := strings.CutPrefix(p.URI, "data:"); ok {
		mime, b64, found := strings.Cut(data, ";base64,")
		if found {
			var gp geminiPart
			gp.InlineData = &struct {
				MimeType string `json:"mime_type"`
				Data     string `json:"data"`
			}{MimeType: mime, Data: b64}
			return gp
		}
	}
	var gp geminiPart
	gp.FileData = &struct {
		MimeType string `json:"mime_type"`
		FileURI  string `json:"file_uri"`
	}{MimeType: p.MIME, FileURI: p.URI}
	return gp
}

// =============================================================================
// RESPONSE DECODING
// =============================================================================

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *geminiChunk) text() string {
	var sb strings.Builder
	for _, cand := range g.Candidates {
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		break // only the first candidate is consumed
	}
	return sb.String()
}

// DecodeStream parses the SSE response body. Usage metadata repeats on
// every chunk; the final values are emitted with Done at EOF.
func (c *GeminiCodec) DecodeStream(resp *http.Response) *Stream {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
		ev := mapHTTPError(resp.StatusCode, body)
		return NewStream(func() chat.Event { return ev })
	}

	reader := newSSEReader(resp.Body)
	var usage *chat.Usage

	return NewStream(func() chat.Event {
		for {
			_, data, err := reader.ReadEvent()
			if err != nil {
				if err == io.EOF {
					return chat.Event{Kind: chat.EventDone, Usage: usage}
				}
				var mf *MalformedFrameError
				if errors.As(err, &mf) {
					return chat.ErrorEvent(chat.ErrMalformedFrame, mf.Raw)
				}
				return chat.ErrorEvent(chat.ErrProviderUnavailable, err.Error())
			}

			var chunk geminiChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return chat.ErrorEvent(chat.ErrMalformedFrame, string(data))
			}

			if chunk.Error != nil {
				return chat.ErrorEvent(geminiErrorKind(chunk.Error.Code, chunk.Error.Status), chunk.Error.Message)
			}
			if chunk.UsageMetadata != nil {
				usage = &chat.Usage{
					PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
					CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}
			if text := chunk.text(); text != "" {
				return chat.DeltaEvent(text)
			}
		}
	})
}

// DecodeResponse parses a non-streamed exchange.
func (c *GeminiCodec) DecodeResponse(status int, body []byte) chat.Event {
	if status != http.StatusOK {
		return mapHTTPError(status, body)
	}

	var chunk geminiChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return chat.ErrorEvent(chat.ErrMalformedFrame, string(bytes.TrimSpace(body)))
	}
	if chunk.Error != nil {
		return chat.ErrorEvent(geminiErrorKind(chunk.Error.Code, chunk.Error.Status), chunk.Error.Message)
	}

	var usage *chat.Usage
	if chunk.UsageMetadata != nil {
		usage = &chat.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}
	return chat.DoneEventWithText(chunk.text(), usage)
}

// geminiErrorKind maps Google RPC statuses to the normalized taxonomy.
func geminiErrorKind(code int, status string) chat.ErrorKind {
	switch {
	case code == 401 || code == 403 || status == "UNAUTHENTICATED" || status == "PERMISSION_DENIED":
		return chat.ErrAuthFailed
	case code == 429 || status == "RESOURCE_EXHAUSTED":
		return chat.ErrRateLimited
	case code >= 500 || status == "UNAVAILABLE" || status == "INTERNAL":
		return chat.ErrProviderUnavailable
	default:
		return chat.ErrUnknown
	}
}
