package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/guideflow/internal/domain"
)

// SessionRepository handles the local session index and transcript copy
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create records a session the backend created
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusActive
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, flow, label, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.WorkspaceID, session.Flow, session.Label, session.Status,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	session := &domain.Session{}
	var label sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, flow, label, status, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.WorkspaceID, &session.Flow, &label, &session.Status,
		&session.CreatedAt, &session.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if label.Valid {
		session.Label = label.String
	}

	return session, nil
}

// FindActive returns the newest active session for a workspace, flow and label
func (r *SessionRepository) FindActive(ctx context.Context, workspaceID, flow, label string) (*domain.Session, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE workspace_id = ? AND flow = ? AND label = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, workspaceID, flow, label, domain.SessionStatusActive).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return r.Get(ctx, id)
}

// SetStatus marks a session complete or abandoned; sessions are never deleted
func (r *SessionRepository) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// Touch updates a session's updated_at timestamp
func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// List returns sessions of a workspace, newest first
func (r *SessionRepository) List(ctx context.Context, workspaceID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, flow, label, status, created_at, updated_at
		FROM sessions WHERE workspace_id = ?
		ORDER BY updated_at DESC LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		s := &domain.Session{}
		var label sql.NullString
		if err := rows.Scan(&s.ID, &s.WorkspaceID, &s.Flow, &label, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Label = label.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CreateMessage appends a transcript message; an existing id is left untouched
func (r *SessionRepository) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	if message.Metadata != nil {
		metadataJSON, _ = json.Marshal(message.Metadata)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, string(message.Role), message.Content,
		string(metadataJSON), message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages retrieves all messages for a session
func (r *SessionRepository) GetMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		var role string
		var metadataJSON sql.NullString

		if err := rows.Scan(&message.ID, &message.SessionID, &role,
			&message.Content, &metadataJSON, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Role = domain.Role(role)

		if metadataJSON.Valid && metadataJSON.String != "" {
			var meta domain.Metadata
			if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err == nil {
				message.Metadata = &meta
			}
		}
		messages = append(messages, message)
	}

	return messages, rows.Err()
}

// Stats counts sessions and messages of a workspace
func (r *SessionRepository) Stats(ctx context.Context, workspaceID string) (*domain.Stats, error) {
	stats := &domain.Stats{}
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions WHERE workspace_id = ? GROUP BY status
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		stats.TotalSessions += n
		switch status {
		case domain.SessionStatusActive:
			stats.ActiveSessions = n
		case domain.SessionStatusComplete:
			stats.CompleteSessions = n
		case domain.SessionStatusAbandoned:
			stats.AbandonedSessions = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m JOIN sessions s ON s.id = m.session_id WHERE s.workspace_id = ?
	`, workspaceID).Scan(&stats.TotalMessages)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	return stats, nil
}
