// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package engine orchestrates one conversational session: it owns the
// context store and token accountant, decides when to compress, issues
// requests through the provider registry, and streams normalized events
// back to the caller.
package engine

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/codec"
	"github.com/tj800x/aichat/internal/history"
	"github.com/tj800x/aichat/internal/provider"
	"github.com/tj800x/aichat/internal/token"
)

// State is the per-turn engine state.
type State int

const (
	// StateIdle accepts new user input.
	StateIdle State = iota

	// StateAwaitingResponse means the request is sent, no deltas yet.
	StateAwaitingResponse

	// StateStreamingDelta means deltas are being forwarded to the caller.
	StateStreamingDelta

	// StateCompleted is the transient success state before returning to Idle.
	StateCompleted

	// StateFailed is the transient failure state before returning to Idle.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateStreamingDelta:
		return "StreamingDelta"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrTurnInFlight is returned when Send is called while a turn is active.
// The state machine allows a single active turn per session; no locking is
// involved.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// Archiver receives the replaced prefix of a compression before it is
// discarded from the live context. Implementations persist it for audit.
type Archiver interface {
	ArchiveCompression(sessionID string, replaced []*chat.Message, summary *chat.Message) error
}

// Options configures a session engine. The zero value is not usable; at
// minimum Registry and ModelID must be set.
type Options struct {
	Registry *provider.Registry

	// ModelID is the initial "provider:model" identifier.
	ModelID string

	// Store is the conversation context. A fresh store is created when nil.
	Store *history.Store

	// SessionID names the session for persistence and audit.
	SessionID string

	// CompressThreshold is the absolute token count that triggers
	// compression. Values below the floor are raised to it.
	CompressThreshold int

	// Sampling parameters forwarded on every request.
	Temperature *float64
	TopP        *float64

	// SummarizePrompt overrides the system prompt used for compression
	// summaries. Empty selects the default strategy.
	SummarizePrompt string

	// RequestsPerMinute caps outbound requests client-side. 0 = unlimited.
	RequestsPerMinute int

	// StreamTimeout is the no-data interval after which a stream is
	// treated as ProviderUnavailable. 0 selects the default.
	StreamTimeout time.Duration

	// KeepPartialOnCancel preserves already-streamed deltas as a committed
	// assistant message when the caller cancels. Default is discard.
	KeepPartialOnCancel bool

	// Archiver persists pre-compression transcripts. Optional.
	Archiver Archiver

	// HTTPClient overrides the transport, used by tests. When nil, shared
	// pooled clients are used.
	HTTPClient *http.Client
}

// defaultStreamTimeout is the no-data watchdog interval.
const defaultStreamTimeout = 60 * time.Second

// Engine runs one conversational session. It exclusively owns its store
// and accountant; independent sessions may run fully in parallel, but a
// single engine is not safe for concurrent Send calls — the Idle gate
// rejects them.
type Engine struct {
	registry *provider.Registry
	spec     provider.ModelSpec
	wire     codec.Codec
	modelID  string

	store *history.Store
	acct  *token.Accountant

	state State

	compressThreshold int
	temperature       *float64
	topP              *float64
	summarizePrompt   string
	streamTimeout     time.Duration
	keepPartial       bool

	sessionID string
	archiver  Archiver
	limiter   *rate.Limiter

	client       *http.Client
	streamClient *http.Client
}

// New creates an engine bound to a model. The model is resolved eagerly so
// an unknown identifier fails before any turn.
func New(opts Options) (*Engine, error) {
	spec, wire, err := opts.Registry.Resolve(opts.ModelID)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = history.NewStore()
	}

	threshold := opts.CompressThreshold
	if threshold < token.MinCompressThreshold {
		threshold = token.MinCompressThreshold
	}

	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	e := &Engine{
		registry:          opts.Registry,
		spec:              spec,
		wire:              wire,
		modelID:           opts.ModelID,
		store:             store,
		acct:              token.NewAccountant(spec.Family),
		state:             StateIdle,
		compressThreshold: threshold,
		temperature:       opts.Temperature,
		topP:              opts.TopP,
		summarizePrompt:   opts.SummarizePrompt,
		streamTimeout:     streamTimeout,
		keepPartial:       opts.KeepPartialOnCancel,
		sessionID:         opts.SessionID,
		archiver:          opts.Archiver,
		limiter:           limiter,
		client:            opts.HTTPClient,
		streamClient:      opts.HTTPClient,
	}
	if e.client == nil {
		e.client = sharedClient
		e.streamClient = sharedStreamClient
	}

	e.recountTokens()
	return e, nil
}

// State returns the current turn state.
func (e *Engine) State() State {
	return e.state
}

// Store returns the engine's context store.
func (e *Engine) Store() *history.Store {
	return e.store
}

// ModelID returns the active model identifier.
func (e *Engine) ModelID() string {
	return e.modelID
}

// Spec returns the active model's spec.
func (e *Engine) Spec() provider.ModelSpec {
	return e.spec
}

// SetModel switches the session to another registered model. Only legal
// while Idle.
func (e *Engine) SetModel(modelID string) error {
	if e.state != StateIdle {
		return ErrTurnInFlight
	}
	spec, wire, err := e.registry.Resolve(modelID)
	if err != nil {
		return err
	}
	e.spec = spec
	e.wire = wire
	e.modelID = modelID
	e.acct = token.NewAccountant(spec.Family)
	e.recountTokens()
	return nil
}

// TokenStatus exposes the running total and the window so the caller can
// render a budget indicator. The engine does no formatting itself.
func (e *Engine) TokenStatus() (runningTotal, maxInputTokens int) {
	return e.acct.RunningTotal(), e.spec.MaxInputTokens
}

// recountTokens recomputes the running estimate from the live history.
func (e *Engine) recountTokens() {
	e.acct.SetRunningTotal(e.acct.EstimateAll(e.store.History()))
}
