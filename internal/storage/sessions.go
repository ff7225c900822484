// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// Package storage provides session persistence: one JSON file per session
// plus a SQLite archive for pre-compression transcripts.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tj800x/aichat/internal/history"
)

// ErrSessionNotFound indicates no session file matches the id.
var ErrSessionNotFound = errors.New("session not found")

// Session is the persisted form of one conversational session. History
// carries the lossless byte encoding produced by history.Store.Serialize.
type Session struct {
	ID         string          `json:"id"`
	Role       string          `json:"role,omitempty"`
	Model      string          `json:"model"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	TokensUsed int             `json:"tokens_used"`
	History    json.RawMessage `json:"history"`
}

// NewSession creates a session shell with a fresh unique id.
func NewSession(model, role string) *Session {
	now := time.Now()
	return &Session{
		ID:        "sess_" + uuid.NewString(),
		Role:      role,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetHistory captures the store's current byte encoding.
func (s *Session) SetHistory(store *history.Store) error {
	data, err := store.Serialize()
	if err != nil {
		return err
	}
	s.History = data
	return nil
}

// RestoreHistory rebuilds a store from the persisted encoding.
func (s *Session) RestoreHistory() (*history.Store, error) {
	store := history.NewStore()
	if len(s.History) == 0 {
		return store, nil
	}
	if err := store.Deserialize(s.History); err != nil {
		return nil, err
	}
	return store, nil
}

// SessionMeta is the listing view of a stored session.
type SessionMeta struct {
	ID        string    `json:"id"`
	Role      string    `json:"role,omitempty"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists sessions as one JSON file per id. Writes are
// atomic (temp file + rename) so a crash mid-save never corrupts the
// on-disk copy: it only ever reflects a fully committed state.
type SessionStore struct {
	baseDir string
}

// NewSessionStore creates a store rooted at the default directory.
func NewSessionStore() (*SessionStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewSessionStoreWithDir(filepath.Join(homeDir, ".config", "aichat", "sessions"))
}

// NewSessionStoreWithDir creates a store rooted at a custom directory.
func NewSessionStoreWithDir(baseDir string) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &SessionStore{baseDir: baseDir}, nil
}

// Dir returns the store's base directory.
func (s *SessionStore) Dir() string {
	return s.baseDir
}

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.baseDir, sanitizeID(id)+".json")
}

// Save writes the session to disk atomically. Re-saving an existing id
// replaces the file in place; content is never duplicated.
func (s *SessionStore) Save(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	sess.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	final := s.path(sess.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Load reads a session by id.
func (s *SessionStore) Load(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &sess, nil
}

// Delete removes a session file.
func (s *SessionStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

// Exists reports whether a session file is on disk.
func (s *SessionStore) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns metadata for all stored sessions, most recent first.
func (s *SessionStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}

	metas := make([]SessionMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Unreadable files are skipped, not fatal to the listing.
			continue
		}
		metas = append(metas, SessionMeta{
			ID:        sess.ID,
			Role:      sess.Role,
			Model:     sess.Model,
			UpdatedAt: sess.UpdatedAt,
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// sanitizeID keeps session ids filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
