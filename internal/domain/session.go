package domain

import (
	"sort"
	"strings"
	"time"
)

// Stage is a named position in a guided flow
type Stage string

// Stage constants, in the order a complete flow visits them
const (
	StageWelcome        Stage = "welcome"
	StageNameCollection Stage = "name_collection"
	StageIntro          Stage = "intro"
	StageMainLoop       Stage = "main_loop"
	StageTransition     Stage = "transition"
	StageGenerationLoop Stage = "generation_loop"
	StageComplete       Stage = "complete"
)

// ParseStage normalizes a stage name; older snapshots spell stages with
// hyphens or camel case ("main-loop", "mainLoop").
func ParseStage(s string) Stage {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return Stage(b.String())
}

// Session status constants
const (
	SessionStatusActive    = "active"
	SessionStatusComplete  = "complete"
	SessionStatusAbandoned = "abandoned"
)

// Session represents one user's run through a guided flow
type Session struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Flow          string    `json:"flow"`
	Label         string    `json:"label,omitempty"`
	UserName      string    `json:"user_name,omitempty"`
	Stage         Stage     `json:"stage"`
	QuestionIndex int       `json:"question_index"`
	SectionNumber int       `json:"section_number"`
	Answers       []Answer  `json:"answers"`
	Started       bool      `json:"started"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Answer is the user's reply to a main-loop question
type Answer struct {
	QuestionID string `json:"question_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
}

// Progress is a display-only projection of the main loop position
type Progress struct {
	CurrentIndex int `json:"current_index"`
	Total        int `json:"total"`
}

// SetAnswer records an answer, replacing any earlier answer to the same question.
// Answers stay ordered by index.
func (s *Session) SetAnswer(a Answer) {
	for i := range s.Answers {
		if s.Answers[i].QuestionID == a.QuestionID {
			s.Answers[i] = a
			return
		}
	}
	s.Answers = append(s.Answers, a)
	sort.SliceStable(s.Answers, func(i, j int) bool {
		return s.Answers[i].Index < s.Answers[j].Index
	})
}

// AnswerFor returns the answer recorded for questionID, if any
func (s *Session) AnswerFor(questionID string) (Answer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// Progress derives the main loop progress against total questions
func (s *Session) Progress(total int) Progress {
	idx := s.QuestionIndex
	if idx > total {
		idx = total
	}
	return Progress{CurrentIndex: idx, Total: total}
}

// Position is the minimal resume point of a session
type Position struct {
	Stage             Stage `json:"stage"`
	QuestionIndex     int   `json:"question_index"`
	SectionNumber     int   `json:"section_number"`
	QuestionInSection int   `json:"question_in_section"`
}

// IsZero reports whether the position carries no progress
func (p Position) IsZero() bool {
	return (p.Stage == "" || p.Stage == StageWelcome) && p.QuestionIndex == 0 && p.SectionNumber == 0 && p.QuestionInSection == 0
}

// Position returns the session's current resume point
func (s *Session) Position() Position {
	return Position{
		Stage:         s.Stage,
		QuestionIndex: s.QuestionIndex,
		SectionNumber: s.SectionNumber,
	}
}

// CreateSessionRequest is the request to start a new guided session
type CreateSessionRequest struct {
	Flow  string `json:"flow" binding:"required"`
	Label string `json:"label,omitempty"`
}

// SubmitNameRequest carries the user's name
type SubmitNameRequest struct {
	Name string `json:"name" binding:"required"`
}

// SubmitAnswerRequest carries a main-loop answer
type SubmitAnswerRequest struct {
	QuestionID string `json:"question_id,omitempty"`
	Answer     string `json:"answer" binding:"required"`
}

// EditAnswerRequest carries a user edit of a generated answer
type EditAnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}
