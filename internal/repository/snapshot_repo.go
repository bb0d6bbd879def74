package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
)

// SnapshotKey namespaces a snapshot by workspace and session
type SnapshotKey struct {
	WorkspaceID string
	SessionID   string
}

// String renders the key as ws:<workspace>:session:<session>
func (k SnapshotKey) String() string {
	return "ws:" + k.WorkspaceID + ":session:" + k.SessionID
}

// ParseSnapshotKey is the inverse of SnapshotKey.String
func ParseSnapshotKey(s string) (SnapshotKey, bool) {
	rest, ok := strings.CutPrefix(s, "ws:")
	if !ok {
		return SnapshotKey{}, false
	}
	ws, sess, ok := strings.Cut(rest, ":session:")
	if !ok || ws == "" || sess == "" {
		return SnapshotKey{}, false
	}
	return SnapshotKey{WorkspaceID: ws, SessionID: sess}, true
}

// SnapshotBackend stores serialized snapshots.
// Put returns domain.ErrQuotaExceeded when the workspace would exceed its quota.
type SnapshotBackend interface {
	Put(ctx context.Context, key SnapshotKey, payload []byte) error
	// Get returns domain.ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key SnapshotKey) ([]byte, error)
	Delete(ctx context.Context, key SnapshotKey) error
	Keys(ctx context.Context, workspaceID string) ([]SnapshotKey, error)
}

// SnapshotRepository is the SQLite snapshot backend
type SnapshotRepository struct {
	db    *DB
	quota int64
}

// NewSnapshotRepository creates a backend enforcing quota bytes per workspace (0 = unlimited)
func NewSnapshotRepository(db *DB, quota int64) *SnapshotRepository {
	return &SnapshotRepository{db: db, quota: quota}
}

// Put stores payload under key
func (r *SnapshotRepository) Put(ctx context.Context, key SnapshotKey, payload []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.quota > 0 {
		var used int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(size), 0) FROM snapshots
			WHERE workspace_id = ? AND session_id != ?
		`, key.WorkspaceID, key.SessionID).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure workspace usage: %w", err)
		}
		if used+int64(len(payload)) > r.quota {
			return fmt.Errorf("%s needs %d bytes, %d of %d used: %w",
				key, len(payload), used, r.quota, domain.ErrQuotaExceeded)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (workspace_id, session_id, payload, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, session_id) DO UPDATE SET
			payload = excluded.payload, size = excluded.size, updated_at = excluded.updated_at
	`, key.WorkspaceID, key.SessionID, payload, len(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return tx.Commit()
}

// Get loads the payload stored under key
func (r *SnapshotRepository) Get(ctx context.Context, key SnapshotKey) ([]byte, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE workspace_id = ? AND session_id = ?
	`, key.WorkspaceID, key.SessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return payload, nil
}

// Delete removes the snapshot under key
func (r *SnapshotRepository) Delete(ctx context.Context, key SnapshotKey) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE workspace_id = ? AND session_id = ?
	`, key.WorkspaceID, key.SessionID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Keys lists snapshot keys of a workspace, oldest first
func (r *SnapshotRepository) Keys(ctx context.Context, workspaceID string) ([]SnapshotKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id FROM snapshots WHERE workspace_id = ? ORDER BY updated_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []SnapshotKey
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan snapshot key: %w", err)
		}
		keys = append(keys, SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID})
	}
	return keys, rows.Err()
}
