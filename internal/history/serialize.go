// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tj800x/aichat/internal/chat"
)

// encodingVersion guards the persistence byte contract.
const encodingVersion = 1

// storedMessage is the wire form of one message. Field order is fixed so
// serialize → deserialize → serialize is byte-for-byte stable.
type storedMessage struct {
	ID        string      `json:"id"`
	Role      chat.Role   `json:"role"`
	Parts     []chat.Part `json:"parts"`
	Timestamp time.Time   `json:"timestamp"`
}

// storedHistory is the wire form of a whole store.
type storedHistory struct {
	Version  int             `json:"version"`
	System   *storedMessage  `json:"system,omitempty"`
	Messages []storedMessage `json:"messages"`
}

func toStored(m *chat.Message) storedMessage {
	return storedMessage{
		ID:        m.ID,
		Role:      m.Role,
		Parts:     m.Parts,
		Timestamp: m.Timestamp,
	}
}

func fromStored(sm storedMessage) *chat.Message {
	return chat.RestoreMessage(sm.ID, sm.Role, sm.Parts, sm.Timestamp)
}

// Serialize encodes the full message sequence plus the pinned system
// message as stable JSON. Round trips are lossless for text parts and
// preserve media reference URIs.
func (s *Store) Serialize() ([]byte, error) {
	stored := storedHistory{
		Version:  encodingVersion,
		Messages: make([]storedMessage, 0, len(s.messages)),
	}
	if s.system != nil {
		sys := toStored(s.system)
		stored.System = &sys
	}
	for _, m := range s.messages {
		stored.Messages = append(stored.Messages, toStored(m))
	}
	return json.MarshalIndent(stored, "", "  ")
}

// Deserialize rebuilds a store from Serialize output, replacing the
// receiver's contents.
func (s *Store) Deserialize(data []byte) error {
	var stored storedHistory
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse history: %w", err)
	}
	if stored.Version != encodingVersion {
		return fmt.Errorf("unsupported history encoding version %d", stored.Version)
	}

	s.system = nil
	if stored.System != nil {
		s.system = fromStored(*stored.System)
	}
	s.messages = make([]*chat.Message, 0, len(stored.Messages))
	for _, sm := range stored.Messages {
		s.messages = append(s.messages, fromStored(sm))
	}
	return nil
}
