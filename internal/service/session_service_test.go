package service

import (
	"context"
	"testing"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionService_CreateIsFindOrCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	first, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "ava", Label: "Q3 launch"})
	require.NoError(t, err)
	second, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "AVA", Label: "Q3 launch"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.backend.Calls("create"))

	other, err := svc.Create(ctx, "w2", &domain.CreateSessionRequest{Flow: "ava", Label: "Q3 launch"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), other.ID())
}

func TestSessionService_CreateValidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	_, err := svc.Create(ctx, "", &domain.CreateSessionRequest{Flow: "ava"})
	assert.ErrorIs(t, err, domain.ErrMissingIdentifiers)

	_, err = svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "unknown"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.backend.Calls("create"))
}

func TestSessionService_MountIsWorkspaceScoped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	c, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "margo"})
	require.NoError(t, err)

	_, err = svc.Mount(ctx, "w2", c.ID())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Mount(ctx, "w1", "")
	assert.ErrorIs(t, err, domain.ErrMissingIdentifiers)
}

func TestSessionService_RemountAfterTeardownRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	c, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "ava"})
	require.NoError(t, err)
	_, err = c.SubmitName(ctx, "Asha")
	require.NoError(t, err)
	svc.Teardown("w1", c.ID())
	assert.True(t, c.Closed())

	again, err := svc.Mount(ctx, "w1", c.ID())
	require.NoError(t, err)
	assert.NotSame(t, c, again)
	view := again.View()
	assert.Equal(t, domain.StageIntro, view.Session.Stage)
	assert.Equal(t, "Asha", view.Session.UserName)
}

func TestSessionService_RemoteProgressWinsOnMount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	c, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "ava"})
	require.NoError(t, err)
	svc.Teardown("w1", c.ID())

	h.backend.progress = &remote.Progress{
		Position:  domain.Position{Stage: domain.StageIntro},
		IsStarted: true,
		UserName:  "Asha",
	}
	again, err := svc.Mount(ctx, "w1", c.ID())
	require.NoError(t, err)
	view := again.View()
	assert.Equal(t, domain.StageIntro, view.Session.Stage)
	assert.Equal(t, "Asha", view.Session.UserName)

	// the backend already reported the phase as started
	res, err := again.ConfirmReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StageMainLoop, res.Session.Stage)
	assert.Zero(t, h.backend.Calls("start"))
}

func TestSessionService_ResetAbandonsAndStartsOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := h.service(t, 0)

	c, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "ava", Label: "Q3"})
	require.NoError(t, err)
	_, err = c.SubmitName(ctx, "Asha")
	require.NoError(t, err)

	fresh, err := svc.Reset(ctx, "w1", c.ID())
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), fresh.ID())
	assert.Equal(t, domain.StageNameCollection, fresh.Stage())
	assert.Equal(t, "Q3", fresh.View().Session.Label)

	old, err := h.repo.Get(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusAbandoned, old.Status)
	_, ok := h.store.Load(ctx, "w1", c.ID())
	assert.False(t, ok)
}

func TestSessionService_CompletionUpdatesStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.backend.confirmNext[1] = 99
	svc := h.service(t, 0)

	c, err := svc.Create(ctx, "w1", &domain.CreateSessionRequest{Flow: "margo"})
	require.NoError(t, err)
	toGeneration(t, c)
	_, err = c.GenerateSection(ctx, 1)
	require.NoError(t, err)
	for _, rid := range []string{"r1-0", "r1-1"} {
		_, err = c.ConfirmQuestion(ctx, 1, rid)
		require.NoError(t, err)
	}
	_, err = c.ConfirmSection(ctx, 1)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompleteSessions)
	assert.Equal(t, 0, stats.ActiveSessions)
}

func TestAmplifier_RequiresCompleteSession(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "ava", "s1", 0)
	amp, err := NewAmplifierService(zap.NewNop())
	require.NoError(t, err)

	_, err = amp.Generate(c, AmplifyHeadline)
	assert.ErrorIs(t, err, domain.ErrNotComplete)
}

func TestAmplifier_GeneratesFromOutputs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.backend.confirmNext[1] = 99
	c := h.controller(t, "margo", "s1", 0)
	toGeneration(t, c)
	_, err := c.GenerateSection(ctx, 1)
	require.NoError(t, err)
	_, err = c.EditAnswer(ctx, 1, "r1-0", "I help founders tell better stories. Always.")
	require.NoError(t, err)
	for _, rid := range []string{"r1-0", "r1-1"} {
		_, err = c.ConfirmQuestion(ctx, 1, rid)
		require.NoError(t, err)
	}
	_, err = c.ConfirmSection(ctx, 1)
	require.NoError(t, err)

	amp, err := NewAmplifierService(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []AmplifierKind{AmplifyBio, AmplifyEmail, AmplifyHeadline, AmplifySocial}, amp.Kinds())

	headline, err := amp.Generate(c, AmplifyHeadline)
	require.NoError(t, err)
	assert.Equal(t, "Asha: I help founders tell better stories.", headline.Content)

	email, err := amp.Generate(c, AmplifyEmail)
	require.NoError(t, err)
	assert.Contains(t, email.Content, "Section 1")
	assert.Contains(t, email.Content, "- Generated answer 1.")

	social, err := amp.Generate(c, AmplifySocial)
	require.NoError(t, err)
	assert.Contains(t, social.Content, "#MARGOBrandBuilder")

	_, err = amp.Generate(c, AmplifierKind("poem"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
