package service

import (
	"context"
	"errors"
	"sync"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/liliang-cn/guideflow/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStaleReconciliation is returned when the identifiers changed while a
// reconciliation was in flight; its result was discarded.
var ErrStaleReconciliation = errors.New("reconciliation superseded by a newer identity")

// Source names where a reconciled state came from
type Source string

// Reconciliation sources, highest priority first
const (
	SourceRemote  Source = "remote"
	SourceLocal   Source = "local"
	SourceDefault Source = "default"
)

// ReconciledState is the single authoritative state adopted on mount
type ReconciledState struct {
	Source    Source            `json:"source"`
	Position  domain.Position   `json:"position"`
	IsStarted bool              `json:"is_started"`
	UserName  string            `json:"user_name,omitempty"`
	Answers   []domain.Answer   `json:"answers,omitempty"`
	Sections  []*domain.Section `json:"sections,omitempty"`
	History   []*domain.Message `json:"-"`
	// NeedsContent is set when only a position could be restored; section
	// content has to be fetched from the backend.
	NeedsContent bool `json:"needs_content,omitempty"`
}

// ProgressSource is the part of the backend reconciliation reads from
type ProgressSource interface {
	GetProgress(ctx context.Context, sessionID string) (*remote.Progress, error)
	GetHistory(ctx context.Context, sessionID string) ([]*domain.Message, error)
}

// Reconciler merges remote, local and default state once per identity
type Reconciler struct {
	backend ProgressSource
	store   *SessionStore
	logger  *zap.Logger

	mu     sync.Mutex
	key    repository.SnapshotKey
	gen    uint64
	done   bool
	state  *ReconciledState
	cancel context.CancelFunc
	wait   chan struct{}
}

// NewReconciler creates a reconciler
func NewReconciler(backend ProgressSource, store *SessionStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{backend: backend, store: store, logger: logger}
}

// Reconcile returns the reconciled state for (workspaceID, sessionID). The
// work runs at most once per identity; concurrent callers wait for it and
// later callers get the cached result. Switching identity cancels in-flight
// work for the previous one.
func (r *Reconciler) Reconcile(ctx context.Context, workspaceID, sessionID string) (*ReconciledState, error) {
	if workspaceID == "" || sessionID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	key := repository.SnapshotKey{WorkspaceID: workspaceID, SessionID: sessionID}

	for {
		r.mu.Lock()
		if r.key != key {
			r.resetLocked()
			r.key = key
		}
		if r.done {
			st := r.state
			r.mu.Unlock()
			return st, nil
		}
		if r.wait == nil {
			break
		}
		wait := r.wait
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		r.mu.Lock()
		switched := r.key != key
		r.mu.Unlock()
		if switched {
			return nil, ErrStaleReconciliation
		}
	}

	// r.mu is held here
	r.gen++
	gen := r.gen
	runCtx, cancel := context.WithCancel(ctx)
	wait := make(chan struct{})
	r.cancel = cancel
	r.wait = wait
	r.mu.Unlock()

	state, err := r.run(runCtx, key)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return nil, ErrStaleReconciliation
	}
	close(wait)
	r.wait = nil
	r.cancel = nil
	if err != nil {
		return nil, err
	}
	r.state = state
	r.done = true
	metrics.RecordReconciliation(string(state.Source))
	return state, nil
}

// Invalidate forgets the cached result so the next Reconcile runs again
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Reconciler) resetLocked() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.wait != nil {
		close(r.wait)
	}
	r.gen++
	r.cancel = nil
	r.wait = nil
	r.done = false
	r.state = nil
}

func (r *Reconciler) run(ctx context.Context, key repository.SnapshotKey) (*ReconciledState, error) {
	var (
		progress *remote.Progress
		history  []*domain.Message
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := r.backend.GetProgress(gctx, key.SessionID)
		if err != nil {
			r.logger.Warn("Remote progress unavailable, falling back",
				zap.String("session_id", key.SessionID),
				zap.Error(err))
			return nil
		}
		progress = p
		return nil
	})
	g.Go(func() error {
		h, err := r.backend.GetHistory(gctx, key.SessionID)
		if err != nil {
			r.logger.Debug("Remote history unavailable",
				zap.String("session_id", key.SessionID),
				zap.Error(err))
			return nil
		}
		history = h
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := &ReconciledState{History: domain.DedupeMessages(history)}

	if !progress.IsEmpty() {
		state.Source = SourceRemote
		state.Position = progress.Position
		state.IsStarted = progress.IsStarted
		state.UserName = progress.UserName
		state.Answers = progress.Answers
		state.Sections = progress.Sections
		domain.SanitizeRestored(state.Sections, true)
		if !progress.HasContent() {
			r.fillFromLocal(ctx, key, state)
		}
		return state, nil
	}

	if snap, ok := r.store.Load(ctx, key.WorkspaceID, key.SessionID); ok {
		state.Source = SourceLocal
		state.Position = snap.Position
		state.IsStarted = snap.IsStarted
		if snap.IsPositionOnly() {
			state.NeedsContent = true
			return state, nil
		}
		state.UserName = snap.UserName
		state.Answers = snap.Answers
		state.Sections = snap.Sections
		domain.SanitizeRestored(state.Sections, false)
		return state, nil
	}

	state.Source = SourceDefault
	state.Position = domain.Position{Stage: domain.StageWelcome}
	return state, nil
}

// fillFromLocal completes a remote position that came without content. The
// position stays the backend's; name, answers and sections come from the local
// snapshot, and a missing snapshot leaves the content to be fetched again.
func (r *Reconciler) fillFromLocal(ctx context.Context, key repository.SnapshotKey, state *ReconciledState) {
	snap, ok := r.store.Load(ctx, key.WorkspaceID, key.SessionID)
	if !ok || snap.IsPositionOnly() {
		state.NeedsContent = true
		return
	}
	if state.UserName == "" {
		state.UserName = snap.UserName
	}
	if len(state.Answers) == 0 {
		state.Answers = snap.Answers
	}
	if len(state.Sections) == 0 {
		state.Sections = snap.Sections
		domain.SanitizeRestored(state.Sections, false)
	}
}
