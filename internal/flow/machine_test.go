package flow

import (
	"context"
	"testing"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := LoadRegistry("")
	require.NoError(t, err)
	return r
}

func TestLoadRegistry_EmbeddedFlows(t *testing.T) {
	r := mustRegistry(t)

	names := []string{}
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"ava", "margo"}, names)

	ava, err := r.Get("AVA")
	require.NoError(t, err)
	assert.Len(t, ava.Questions, 5)
	assert.True(t, ava.Has(domain.StageTransition))

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{
			name: "minimal",
			def:  Definition{Name: "x", Stages: []domain.Stage{domain.StageWelcome, domain.StageComplete}},
			ok:   true,
		},
		{
			name: "out of order",
			def:  Definition{Name: "x", Stages: []domain.Stage{domain.StageWelcome, domain.StageIntro, domain.StageNameCollection, domain.StageComplete}},
		},
		{
			name: "main loop without questions",
			def:  Definition{Name: "x", Stages: []domain.Stage{domain.StageWelcome, domain.StageMainLoop, domain.StageComplete}},
		},
		{
			name: "unknown stage",
			def:  Definition{Name: "x", Stages: []domain.Stage{domain.StageWelcome, "limbo", domain.StageComplete}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			}
		})
	}
}

func TestMachine_AVAPath(t *testing.T) {
	ava, err := mustRegistry(t).Get("ava")
	require.NoError(t, err)

	var seen []Event
	m, err := NewMachine(ava, "", func(ev Event, from, to domain.Stage) { seen = append(seen, ev) })
	require.NoError(t, err)
	ctx := context.Background()

	steps := []struct {
		ev   Event
		want domain.Stage
	}{
		{EventBegin, domain.StageNameCollection},
		{EventSubmitName, domain.StageIntro},
		{EventConfirmReady, domain.StageMainLoop},
		{EventAnswerAccepted, domain.StageMainLoop},
		{EventPhaseComplete, domain.StageTransition},
		{EventContinue, domain.StageGenerationLoop},
		{EventSectionConfirmed, domain.StageGenerationLoop},
		{EventFinish, domain.StageComplete},
	}
	for _, s := range steps {
		got, err := m.Fire(ctx, s.ev)
		require.NoError(t, err, "event %s", s.ev)
		assert.Equal(t, s.want, got, "event %s", s.ev)
	}
	assert.Len(t, seen, len(steps))
}

func TestMachine_AutoAdvanceSkipsTransition(t *testing.T) {
	ava, _ := mustRegistry(t).Get("ava")
	m, err := NewMachine(ava, domain.StageMainLoop, nil)
	require.NoError(t, err)

	got, err := m.Fire(context.Background(), EventAutoAdvance)
	require.NoError(t, err)
	assert.Equal(t, domain.StageGenerationLoop, got)
}

func TestMachine_MargoSkipsMainLoop(t *testing.T) {
	margo, _ := mustRegistry(t).Get("margo")
	m, err := NewMachine(margo, domain.StageIntro, nil)
	require.NoError(t, err)

	assert.False(t, m.Can(EventAnswerAccepted))
	got, err := m.Fire(context.Background(), EventConfirmReady)
	require.NoError(t, err)
	assert.Equal(t, domain.StageGenerationLoop, got)
}

func TestMachine_RejectsUnknownTransitions(t *testing.T) {
	ava, _ := mustRegistry(t).Get("ava")
	m, err := NewMachine(ava, domain.StageIntro, nil)
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), EventSectionConfirmed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.Fire(context.Background(), Event("teleport"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StageIntro, m.Current())
}

func TestMachine_Restore(t *testing.T) {
	margo, _ := mustRegistry(t).Get("margo")
	m, err := NewMachine(margo, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Restore(domain.StageGenerationLoop))
	assert.Equal(t, domain.StageGenerationLoop, m.Current())
	assert.ErrorIs(t, m.Restore(domain.StageMainLoop), domain.ErrInvalidTransition)

	_, err = NewMachine(margo, domain.StageTransition, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
