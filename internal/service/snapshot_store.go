package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/repository"
	"go.uber.org/zap"
)

// SaveOutcome tells what a Save actually stored
type SaveOutcome string

// Save outcomes
const (
	OutcomeSkipped  SaveOutcome = "skipped"
	OutcomeFull     SaveOutcome = "full"
	OutcomePosition SaveOutcome = "position"
	OutcomeDropped  SaveOutcome = "dropped"
)

// SessionStore persists snapshots as a cache. Save never fails the caller:
// oversized or over-quota snapshots degrade to the position projection and
// anything else is logged and dropped.
type SessionStore struct {
	backend        repository.SnapshotBackend
	maxBytes       int64
	maxAnswerChars int
	logger         *zap.Logger
}

// NewSessionStore creates a store. maxBytes and maxAnswerChars of 0 disable the limits.
func NewSessionStore(backend repository.SnapshotBackend, maxBytes int64, maxAnswerChars int, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		backend:        backend,
		maxBytes:       maxBytes,
		maxAnswerChars: maxAnswerChars,
		logger:         logger,
	}
}

// Save writes snap under its workspace and session
func (s *SessionStore) Save(ctx context.Context, snap *domain.Snapshot) SaveOutcome {
	outcome := s.save(ctx, snap)
	metrics.RecordSnapshotSave(string(outcome))
	return outcome
}

func (s *SessionStore) save(ctx context.Context, snap *domain.Snapshot) SaveOutcome {
	if snap == nil || snap.WorkspaceID == "" || snap.SessionID == "" {
		return OutcomeSkipped
	}
	key := repository.SnapshotKey{WorkspaceID: snap.WorkspaceID, SessionID: snap.SessionID}
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = time.Now().UTC()
	}

	outcome := OutcomeFull
	payload, err := json.Marshal(s.project(snap))
	if err != nil || (s.maxBytes > 0 && int64(len(payload)) > s.maxBytes) {
		s.logger.Debug("Snapshot over size threshold, storing position only",
			zap.String("key", key.String()),
			zap.Int("size", len(payload)))
		outcome = OutcomePosition
		if payload, err = json.Marshal(snap.PositionOnly()); err != nil {
			s.logger.Warn("Failed to encode snapshot", zap.String("key", key.String()), zap.Error(err))
			return OutcomeDropped
		}
	}

	err = s.backend.Put(ctx, key, payload)
	if err == nil {
		return outcome
	}
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		s.logger.Warn("Failed to save snapshot", zap.String("key", key.String()), zap.Error(err))
		return OutcomeDropped
	}

	evicted := s.evictOthers(ctx, key)
	minimal, err := json.Marshal(snap.PositionOnly())
	if err != nil {
		s.logger.Warn("Failed to encode snapshot", zap.String("key", key.String()), zap.Error(err))
		return OutcomeDropped
	}
	if err := s.backend.Put(ctx, key, minimal); err != nil {
		s.logger.Warn("Snapshot dropped after eviction",
			zap.String("key", key.String()),
			zap.Int("evicted", evicted),
			zap.Error(err))
		return OutcomeDropped
	}
	s.logger.Info("Snapshot stored after quota eviction",
		zap.String("key", key.String()),
		zap.Int("evicted", evicted))
	return OutcomePosition
}

// project copies snap as a full snapshot without oversized answer bodies.
// Stripped bodies are fetched from the backend again on restore.
func (s *SessionStore) project(snap *domain.Snapshot) *domain.Snapshot {
	out := *snap
	out.Version = domain.SnapshotVersion
	out.Kind = domain.SnapshotKindFull
	out.Answers = append([]domain.Answer(nil), snap.Answers...)
	out.Sections = make([]*domain.Section, 0, len(snap.Sections))
	for _, sec := range snap.Sections {
		c := sec.Clone()
		if c == nil {
			continue
		}
		if s.maxAnswerChars > 0 {
			for i := range c.Questions {
				if len(c.Questions[i].GeneratedAnswer) > s.maxAnswerChars {
					c.Questions[i].GeneratedAnswer = ""
				}
				if len(c.Questions[i].UserEditedAnswer) > s.maxAnswerChars {
					c.Questions[i].UserEditedAnswer = ""
				}
			}
		}
		out.Sections = append(out.Sections, c)
	}
	return &out
}

func (s *SessionStore) evictOthers(ctx context.Context, keep repository.SnapshotKey) int {
	keys, err := s.backend.Keys(ctx, keep.WorkspaceID)
	if err != nil {
		s.logger.Warn("Failed to list snapshots for eviction", zap.Error(err))
		return 0
	}
	n := 0
	for _, k := range keys {
		if k == keep {
			continue
		}
		if err := s.backend.Delete(ctx, k); err != nil {
			s.logger.Debug("Failed to evict snapshot", zap.String("key", k.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Load returns the stored snapshot, or false when none is usable
func (s *SessionStore) Load(ctx context.Context, workspaceID, sessionID string) (*domain.Snapshot, bool) {
	if workspaceID == "" || sessionID == "" {
		return nil, false
	}
	key := repository.SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("Failed to load snapshot", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}

	snap, err := domain.DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("Discarding unreadable snapshot", zap.String("key", key.String()), zap.Error(err))
		s.Clear(ctx, workspaceID, sessionID)
		return nil, false
	}
	if snap.WorkspaceID == "" {
		snap.WorkspaceID = workspaceID
	}
	if snap.SessionID == "" {
		snap.SessionID = sessionID
	}
	return snap, true
}

// Clear removes the snapshot for a session
func (s *SessionStore) Clear(ctx context.Context, workspaceID, sessionID string) {
	if workspaceID == "" || sessionID == "" {
		return
	}
	key := repository.SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to clear snapshot", zap.String("key", key.String()), zap.Error(err))
	}
}

// Keys lists the stored snapshots of a workspace
func (s *SessionStore) Keys(ctx context.Context, workspaceID string) ([]repository.SnapshotKey, error) {
	return s.backend.Keys(ctx, workspaceID)
}
