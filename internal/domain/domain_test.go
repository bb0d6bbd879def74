package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := map[string]Stage{
		"main_loop":        StageMainLoop,
		"main-loop":        StageMainLoop,
		"mainLoop":         StageMainLoop,
		"generationLoop":   StageGenerationLoop,
		" name collection": StageNameCollection,
		"complete":         StageComplete,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseStage(in), in)
	}
}

func TestSession_SetAnswerReplacesAndOrders(t *testing.T) {
	s := &Session{}
	s.SetAnswer(Answer{QuestionID: "q2", Index: 1, Text: "second"})
	s.SetAnswer(Answer{QuestionID: "q1", Index: 0, Text: "first"})
	s.SetAnswer(Answer{QuestionID: "q2", Index: 1, Text: "second, revised"})

	require.Len(t, s.Answers, 2)
	assert.Equal(t, "q1", s.Answers[0].QuestionID)
	assert.Equal(t, "second, revised", s.Answers[1].Text)

	a, ok := s.AnswerFor("q2")
	assert.True(t, ok)
	assert.Equal(t, 1, a.Index)
	_, ok = s.AnswerFor("q9")
	assert.False(t, ok)
}

func TestSession_ProgressClampsToTotal(t *testing.T) {
	s := &Session{QuestionIndex: 7}
	assert.Equal(t, Progress{CurrentIndex: 5, Total: 5}, s.Progress(5))
	s.QuestionIndex = 2
	assert.Equal(t, Progress{CurrentIndex: 2, Total: 5}, s.Progress(5))
}

func TestMergeSection_ApprovalIsMonotonic(t *testing.T) {
	current := &Section{Number: 1, Title: "Voice", Questions: []SectionQuestion{
		{ID: "r1", QuestionID: "q1", GeneratedAnswer: "old", UserEditedAnswer: "mine", IsApproved: true, Status: QuestionStatusReady},
		{ID: "r2", QuestionID: "q2", Status: QuestionStatusGenerating},
	}}
	incoming := &Section{Number: 1, Questions: []SectionQuestion{
		{ID: "r1", QuestionID: "q1", GeneratedAnswer: "new", Status: QuestionStatusReady},
		{ID: "r2-b", QuestionID: "q2", GeneratedAnswer: "done", Status: QuestionStatusReady},
	}}

	merged := MergeSection(current, incoming)
	assert.Equal(t, "Voice", merged.Title)
	assert.True(t, merged.Questions[0].IsApproved)
	assert.Equal(t, "mine", merged.Questions[0].UserEditedAnswer)
	assert.Equal(t, "mine", merged.Questions[0].EffectiveAnswer())
	// matched by question id when the response id changed
	assert.Equal(t, "done", merged.Questions[1].GeneratedAnswer)
	assert.True(t, merged.AllReady())
	assert.False(t, merged.IsComplete())

	// inputs are not modified
	assert.Equal(t, "old", current.Questions[0].GeneratedAnswer)
	assert.False(t, incoming.Questions[0].IsApproved)
}

func TestSection_EmptyIsNeitherReadyNorComplete(t *testing.T) {
	s := &Section{Number: 1}
	assert.False(t, s.AllReady())
	assert.False(t, s.IsComplete())
	assert.Nil(t, s.Question("r1"))
}

func TestSanitizeRestored(t *testing.T) {
	mk := func() []*Section {
		return []*Section{{Number: 1, Questions: []SectionQuestion{
			{ID: "r1", Status: QuestionStatusGenerating, IsApproved: true},
			{ID: "r2", Status: QuestionStatusFailed},
		}}, nil}
	}

	untrusted := mk()
	SanitizeRestored(untrusted, false)
	assert.Equal(t, QuestionStatusReady, untrusted[0].Questions[0].Status)
	assert.False(t, untrusted[0].Questions[0].IsApproved)
	assert.Equal(t, QuestionStatusFailed, untrusted[0].Questions[1].Status)

	trusted := mk()
	SanitizeRestored(trusted, true)
	assert.True(t, trusted[0].Questions[0].IsApproved)
}

func TestDecodeSnapshot(t *testing.T) {
	snap := &Snapshot{
		Version:     SnapshotVersion,
		Kind:        SnapshotKindFull,
		WorkspaceID: "w1",
		SessionID:   "s1",
		Position:    Position{Stage: StageMainLoop, QuestionIndex: 3},
		IsStarted:   true,
	}
	data, err := json.Marshal(snap.PositionOnly())
	require.NoError(t, err)

	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.True(t, got.IsPositionOnly())
	assert.Equal(t, 3, got.Position.QuestionIndex)

	legacy, err := DecodeSnapshot([]byte(`{"currentStep":"mainLoop","currentQuestionIndex":4,"lastUpdated":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, SnapshotKindFull, legacy.Kind)
	assert.Equal(t, StageMainLoop, legacy.Position.Stage)
	assert.Equal(t, 4, legacy.Position.QuestionIndex)
	assert.Equal(t, int64(1700000000000), legacy.LastUpdated.UnixMilli())

	_, err = DecodeSnapshot([]byte("[1,2"))
	assert.Error(t, err)
}

func TestPositionIsZero(t *testing.T) {
	assert.True(t, Position{}.IsZero())
	assert.True(t, Position{Stage: StageWelcome}.IsZero())
	assert.False(t, Position{Stage: StageIntro}.IsZero())
	assert.False(t, Position{QuestionIndex: 1}.IsZero())
}

func TestDedupeMessages(t *testing.T) {
	a := &Message{ID: "1", Role: RoleAVA, Content: "Hi"}
	b := &Message{ID: "2", Role: RoleAVA, Content: "Hi"}
	c := &Message{ID: "3", Role: RoleUser, Content: "Asha"}

	out := DedupeMessages([]*Message{a, a, b, nil, c})
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "3", out[1].ID)
}

func TestNewMessageIDsAreTimeOrdered(t *testing.T) {
	first := NewMessage("s1", RoleAVA, "one", nil)
	second := NewMessage("s1", RoleAVA, "two", nil)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Less(t, first.ID, second.ID)
}
