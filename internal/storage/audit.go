// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tj800x/aichat/internal/chat"
)

// AuditArchive records the transcripts that compression destroys. Rows are
// write-ahead audit only; they are never read back into conversational
// context.
type AuditArchive struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS compression_archive (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	archived_at TIMESTAMP NOT NULL,
	summary     TEXT NOT NULL,
	transcript  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_session ON compression_archive(session_id);
`

// OpenAuditArchive opens (creating if needed) the archive database.
func OpenAuditArchive(path string) (*AuditArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit archive: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit archive: %w", err)
	}
	return &AuditArchive{db: db}, nil
}

// Close releases the underlying database.
func (a *AuditArchive) Close() error {
	return a.db.Close()
}

// archivedMessage is the audit row encoding of one replaced message.
type archivedMessage struct {
	ID        string      `json:"id"`
	Role      chat.Role   `json:"role"`
	Parts     []chat.Part `json:"parts"`
	Timestamp time.Time   `json:"timestamp"`
}

// ArchiveCompression implements engine.Archiver: it stores the replaced
// prefix and the summary that stands in for it.
func (a *AuditArchive) ArchiveCompression(sessionID string, replaced []*chat.Message, summary *chat.Message) error {
	rows := make([]archivedMessage, 0, len(replaced))
	for _, m := range replaced {
		rows = append(rows, archivedMessage{
			ID:        m.ID,
			Role:      m.Role,
			Parts:     m.Parts,
			Timestamp: m.Timestamp,
		})
	}
	transcript, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	summaryText := ""
	if summary != nil {
		summaryText = summary.Text()
	}

	_, err = a.db.Exec(
		`INSERT INTO compression_archive (session_id, archived_at, summary, transcript) VALUES (?, ?, ?, ?)`,
		sessionID, time.Now().UTC(), summaryText, string(transcript),
	)
	return err
}

// ArchivedCount returns how many compression events are recorded for a
// session. Used by diagnostics and tests.
func (a *AuditArchive) ArchivedCount(sessionID string) (int, error) {
	var n int
	err := a.db.QueryRow(
		`SELECT COUNT(*) FROM compression_archive WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}
