package service

import (
	"context"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/repository"
	"go.uber.org/zap"
)

// HistoryBackend stores transcripts remotely
type HistoryBackend interface {
	GetHistory(ctx context.Context, sessionID string) ([]*domain.Message, error)
	SaveHistory(ctx context.Context, sessionID string, messages []*domain.Message) error
}

// HistoryService keeps the conversation transcript: appended locally, pushed
// to the backend best-effort.
type HistoryService struct {
	repo    *repository.SessionRepository
	backend HistoryBackend
	logger  *zap.Logger
}

// NewHistoryService creates a history service
func NewHistoryService(repo *repository.SessionRepository, backend HistoryBackend, logger *zap.Logger) *HistoryService {
	return &HistoryService{repo: repo, backend: backend, logger: logger}
}

// Append stores messages locally
func (h *HistoryService) Append(ctx context.Context, messages ...*domain.Message) {
	for _, m := range messages {
		if err := h.repo.CreateMessage(ctx, m); err != nil {
			h.logger.Warn("Failed to store message",
				zap.String("session_id", m.SessionID),
				zap.String("message_id", m.ID),
				zap.Error(err))
		}
	}
}

// Push replaces the remote transcript
func (h *HistoryService) Push(ctx context.Context, sessionID string, messages []*domain.Message) {
	if h.backend == nil {
		return
	}
	if err := h.backend.SaveHistory(ctx, sessionID, messages); err != nil {
		h.logger.Debug("Failed to push history", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Local returns the locally stored transcript
func (h *HistoryService) Local(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	msgs, err := h.repo.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return domain.DedupeMessages(msgs), nil
}

// Load prefers the remote transcript and falls back to the local one
func (h *HistoryService) Load(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	if h.backend != nil {
		msgs, err := h.backend.GetHistory(ctx, sessionID)
		if err == nil && len(msgs) > 0 {
			return domain.DedupeMessages(msgs), nil
		}
		if err != nil {
			h.logger.Debug("Remote history unavailable", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return h.Local(ctx, sessionID)
}
