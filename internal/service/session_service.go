package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/liliang-cn/guideflow/internal/repository"
	"go.uber.org/zap"
)

// SessionService creates, mounts and tears down session controllers
type SessionService struct {
	flows        *flow.Registry
	backend      Backend
	store        *SessionStore
	history      *HistoryService
	sessionRepo  *repository.SessionRepository
	pollInterval time.Duration
	logger       *zap.Logger

	mu          sync.Mutex
	controllers map[repository.SnapshotKey]*Controller
}

// NewSessionService creates a session service
func NewSessionService(
	flows *flow.Registry,
	backend Backend,
	store *SessionStore,
	history *HistoryService,
	sessionRepo *repository.SessionRepository,
	pollInterval time.Duration,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		flows:        flows,
		backend:      backend,
		store:        store,
		history:      history,
		sessionRepo:  sessionRepo,
		pollInterval: pollInterval,
		logger:       logger,
		controllers:  make(map[repository.SnapshotKey]*Controller),
	}
}

// Flows returns the flow registry
func (s *SessionService) Flows() *flow.Registry { return s.flows }

// Create starts a session, or returns the active one with the same flow and
// label in the workspace.
func (s *SessionService) Create(ctx context.Context, workspaceID string, req *domain.CreateSessionRequest) (*Controller, error) {
	if workspaceID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	def, err := s.flows.Get(req.Flow)
	if err != nil {
		return nil, err
	}
	label := req.Label
	if label == "" {
		label = def.Title
	}

	existing, err := s.sessionRepo.FindActive(ctx, workspaceID, def.Name, label)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.Mount(ctx, workspaceID, existing.ID)
	}

	resp, err := s.backend.CreateSession(ctx, remote.CreateSessionRequest{
		WorkspaceID: workspaceID,
		Label:       label,
		Flow:        def.Name,
	})
	metrics.RecordBackendCall("create_session", err)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	session := &domain.Session{
		ID:          resp.SessionID,
		WorkspaceID: workspaceID,
		Flow:        def.Name,
		Label:       label,
		Stage:       domain.StageWelcome,
		Status:      domain.SessionStatusActive,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	c, err := s.newController(def, session)
	if err != nil {
		return nil, err
	}
	c.markMounted()
	if _, err := c.Begin(ctx); err != nil {
		c.Close()
		return nil, err
	}
	s.register(c)

	s.logger.Info("Session created",
		zap.String("workspace_id", workspaceID),
		zap.String("session_id", session.ID),
		zap.String("flow", def.Name))
	return c, nil
}

// Mount returns the controller of a session, reconciling it on first use
func (s *SessionService) Mount(ctx context.Context, workspaceID, sessionID string) (*Controller, error) {
	if workspaceID == "" || sessionID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	key := repository.SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}

	s.mu.Lock()
	c, ok := s.controllers[key]
	s.mu.Unlock()
	if ok {
		if _, err := c.Mount(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	rec, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	def, err := s.flows.Get(rec.Flow)
	if err != nil {
		return nil, err
	}
	c, err = s.newController(def, rec)
	if err != nil {
		return nil, err
	}

	// another request may have mounted the same session meanwhile
	s.mu.Lock()
	if other, ok := s.controllers[key]; ok {
		s.mu.Unlock()
		c.Close()
		c = other
	} else {
		s.controllers[key] = c
		metrics.SetActiveControllers(len(s.controllers))
		s.mu.Unlock()
	}

	if _, err := c.Mount(ctx); err != nil {
		s.Teardown(workspaceID, sessionID)
		return nil, err
	}
	return c, nil
}

// Reset abandons a session and starts a fresh one with the same flow and label
func (s *SessionService) Reset(ctx context.Context, workspaceID, sessionID string) (*Controller, error) {
	old, err := s.Mount(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := old.View().Session
	s.Teardown(workspaceID, sessionID)

	if err := s.sessionRepo.SetStatus(ctx, sessionID, domain.SessionStatusAbandoned); err != nil {
		return nil, err
	}
	s.store.Clear(ctx, workspaceID, sessionID)

	s.logger.Info("Session reset", zap.String("workspace_id", workspaceID), zap.String("session_id", sessionID))
	return s.Create(ctx, workspaceID, &domain.CreateSessionRequest{Flow: snapshot.Flow, Label: snapshot.Label})
}

// Teardown closes and forgets a mounted controller
func (s *SessionService) Teardown(workspaceID, sessionID string) {
	key := repository.SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}
	s.mu.Lock()
	c, ok := s.controllers[key]
	delete(s.controllers, key)
	metrics.SetActiveControllers(len(s.controllers))
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// List returns the recent sessions of a workspace
func (s *SessionService) List(ctx context.Context, workspaceID string, limit int) ([]*domain.Session, error) {
	if workspaceID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	return s.sessionRepo.List(ctx, workspaceID, limit)
}

// Stats returns session counters for a workspace
func (s *SessionService) Stats(ctx context.Context, workspaceID string) (*domain.Stats, error) {
	return s.sessionRepo.Stats(ctx, workspaceID)
}

// ClearSnapshot drops the cached snapshot of a session
func (s *SessionService) ClearSnapshot(ctx context.Context, workspaceID, sessionID string) error {
	if workspaceID == "" || sessionID == "" {
		return domain.ErrMissingIdentifiers
	}
	s.store.Clear(ctx, workspaceID, sessionID)
	return nil
}

// Snapshots lists the cached snapshots of a workspace
func (s *SessionService) Snapshots(ctx context.Context, workspaceID string) ([]repository.SnapshotKey, error) {
	if workspaceID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	return s.store.Keys(ctx, workspaceID)
}

// Close tears down every mounted controller
func (s *SessionService) Close() {
	s.mu.Lock()
	controllers := s.controllers
	s.controllers = make(map[repository.SnapshotKey]*Controller)
	metrics.SetActiveControllers(0)
	s.mu.Unlock()
	for _, c := range controllers {
		c.Close()
	}
}

func (s *SessionService) register(c *Controller) {
	key := repository.SnapshotKey{WorkspaceID: c.WorkspaceID(), SessionID: c.ID()}
	s.mu.Lock()
	prev := s.controllers[key]
	s.controllers[key] = c
	metrics.SetActiveControllers(len(s.controllers))
	s.mu.Unlock()
	if prev != nil && prev != c {
		prev.Close()
	}
}

func (s *SessionService) newController(def *flow.Definition, session *domain.Session) (*Controller, error) {
	return NewController(def, session, ControllerOptions{
		Backend:      s.backend,
		Store:        s.store,
		History:      s.history,
		PollInterval: s.pollInterval,
		Logger:       s.logger,
		OnStatus:     s.onStatus,
	})
}

func (s *SessionService) onStatus(ctx context.Context, sessionID, status string) {
	if err := s.sessionRepo.SetStatus(ctx, sessionID, status); err != nil {
		s.logger.Warn("Failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", status),
			zap.Error(err))
	}
}
