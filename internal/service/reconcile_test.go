package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func saveLocal(t *testing.T, h *harness, snap *domain.Snapshot) {
	t.Helper()
	snap.WorkspaceID, snap.SessionID = "w1", "s1"
	require.Equal(t, OutcomeFull, h.store.Save(context.Background(), snap))
}

func TestReconcile_RemoteWins(t *testing.T) {
	h := newHarness(t)
	saveLocal(t, h, &domain.Snapshot{Position: domain.Position{Stage: domain.StageMainLoop, QuestionIndex: 2}})
	h.backend.progress = &remote.Progress{
		Position:  domain.Position{Stage: domain.StageMainLoop, QuestionIndex: 5},
		IsStarted: true,
	}

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, st.Source)
	assert.Equal(t, 5, st.Position.QuestionIndex)
}

func TestReconcile_RemotePositionFillsContentFromLocal(t *testing.T) {
	h := newHarness(t)
	sec := readySection(1, 1)
	sec.Questions[0].IsApproved = true
	saveLocal(t, h, &domain.Snapshot{
		Position: domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 1},
		UserName: "Asha",
		Answers:  []domain.Answer{{QuestionID: "ava-q1", Text: "one"}},
		Sections: []*domain.Section{sec},
	})
	h.backend.progress = &remote.Progress{
		Position:  domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 2},
		IsStarted: true,
	}

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, st.Source)
	assert.Equal(t, 2, st.Position.SectionNumber)
	assert.Equal(t, "Asha", st.UserName)
	require.Len(t, st.Answers, 1)
	require.Len(t, st.Sections, 1)
	assert.False(t, st.Sections[0].Questions[0].IsApproved)
	assert.False(t, st.NeedsContent)
}

func TestReconcile_RemotePositionWithoutLocalNeedsContent(t *testing.T) {
	h := newHarness(t)
	h.backend.progress = &remote.Progress{
		Position:  domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 1},
		IsStarted: true,
	}

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, st.Source)
	assert.True(t, st.NeedsContent)
}

func TestReconcile_RemoteFailureFallsBackToLocal(t *testing.T) {
	h := newHarness(t)
	saveLocal(t, h, &domain.Snapshot{Position: domain.Position{Stage: domain.StageMainLoop, QuestionIndex: 2}})
	h.backend.progressErr = errors.New("connection reset")

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, st.Source)
	assert.Equal(t, 2, st.Position.QuestionIndex)
}

func TestReconcile_LocalSanitizesRestoredSections(t *testing.T) {
	h := newHarness(t)
	sec := readySection(1, 2)
	sec.Questions[0].Status = domain.QuestionStatusGenerating
	sec.Questions[1].IsApproved = true
	saveLocal(t, h, &domain.Snapshot{
		Position: domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 1},
		Sections: []*domain.Section{sec},
	})

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	require.Len(t, st.Sections, 1)
	assert.Equal(t, domain.QuestionStatusReady, st.Sections[0].Questions[0].Status)
	// local approvals are not trusted
	assert.False(t, st.Sections[0].Questions[1].IsApproved)
}

func TestReconcile_RemoteApprovalsTrusted(t *testing.T) {
	h := newHarness(t)
	sec := readySection(1, 1)
	sec.Questions[0].IsApproved = true
	sec.Questions[0].Status = domain.QuestionStatusGenerating
	h.backend.progress = &remote.Progress{
		Position: domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 1},
		Sections: []*domain.Section{sec},
	}

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.True(t, st.Sections[0].Questions[0].IsApproved)
	assert.Equal(t, domain.QuestionStatusReady, st.Sections[0].Questions[0].Status)
}

func TestReconcile_PositionOnlyNeedsContent(t *testing.T) {
	h := newHarness(t)
	full := &domain.Snapshot{
		WorkspaceID: "w1",
		SessionID:   "s1",
		Position:    domain.Position{Stage: domain.StageGenerationLoop, SectionNumber: 2},
		IsStarted:   true,
	}
	require.NoError(t, h.snaps.Put(context.Background(), keyOf("w1", "s1"), mustJSON(t, full.PositionOnly())))

	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, st.Source)
	assert.True(t, st.NeedsContent)
	assert.Equal(t, 2, st.Position.SectionNumber)
}

func TestReconcile_DefaultsWhenNothingStored(t *testing.T) {
	h := newHarness(t)
	r := NewReconciler(h.backend, h.store, zap.NewNop())
	st, err := r.Reconcile(context.Background(), "w1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, st.Source)
	assert.Equal(t, domain.StageWelcome, st.Position.Stage)
}

func TestReconcile_RunsOncePerIdentity(t *testing.T) {
	h := newHarness(t)
	r := NewReconciler(h.backend, h.store, zap.NewNop())
	ctx := context.Background()

	first, err := r.Reconcile(ctx, "w1", "s1")
	require.NoError(t, err)
	second, err := r.Reconcile(ctx, "w1", "s1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, h.backend.Calls("progress"))

	_, err = r.Reconcile(ctx, "w1", "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.backend.Calls("progress"))

	r.Invalidate()
	_, err = r.Reconcile(ctx, "w1", "s2")
	require.NoError(t, err)
	assert.Equal(t, 3, h.backend.Calls("progress"))
}

func TestReconcile_IdentitySwitchDiscardsStaleResult(t *testing.T) {
	h := newHarness(t)
	h.backend.progressWait = make(chan struct{})
	h.backend.waitFor = "s1"
	defer close(h.backend.progressWait)
	r := NewReconciler(h.backend, h.store, zap.NewNop())
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(ctx, "w1", "s1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.backend.Calls("progress") == 1 }, time.Second, time.Millisecond)

	// switching identity cancels the first run; its result never lands
	st, err := r.Reconcile(ctx, "w1", "s2")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, st.Source)
	assert.ErrorIs(t, <-errc, ErrStaleReconciliation)

	again, err := r.Reconcile(ctx, "w1", "s2")
	require.NoError(t, err)
	assert.Same(t, st, again)
}

func TestReconcile_MissingIdentifiers(t *testing.T) {
	h := newHarness(t)
	r := NewReconciler(h.backend, h.store, zap.NewNop())

	_, err := r.Reconcile(context.Background(), "", "s1")
	assert.ErrorIs(t, err, domain.ErrMissingIdentifiers)
	_, err = r.Reconcile(context.Background(), "w1", "")
	assert.ErrorIs(t, err, domain.ErrMissingIdentifiers)
	assert.Zero(t, h.backend.Calls("progress"))
}
