package domain

// Question status constants
const (
	QuestionStatusPending    = "pending"
	QuestionStatusGenerating = "generating"
	QuestionStatusReady      = "ready"
	QuestionStatusFailed     = "failed"
)

// Section is a generated group of questions approved as a unit
type Section struct {
	Number    int               `json:"number"`
	Title     string            `json:"title"`
	Intro     string            `json:"intro,omitempty"`
	Questions []SectionQuestion `json:"questions"`
}

// SectionQuestion is one generated question/answer pair inside a section
type SectionQuestion struct {
	ID               string `json:"id"` // response id on the backend
	QuestionID       string `json:"question_id"`
	QuestionText     string `json:"question_text"`
	GeneratedAnswer  string `json:"generated_answer,omitempty"`
	UserEditedAnswer string `json:"user_edited_answer,omitempty"`
	Status           string `json:"status"`
	IsApproved       bool   `json:"is_approved"`
}

// EffectiveAnswer prefers the user's edit over generated text
func (q SectionQuestion) EffectiveAnswer() string {
	if q.UserEditedAnswer != "" {
		return q.UserEditedAnswer
	}
	return q.GeneratedAnswer
}

// IsComplete is true only when every question is approved
func (s *Section) IsComplete() bool {
	if len(s.Questions) == 0 {
		return false
	}
	for _, q := range s.Questions {
		if !q.IsApproved {
			return false
		}
	}
	return true
}

// AllReady reports whether no question is still waiting on generation
func (s *Section) AllReady() bool {
	if len(s.Questions) == 0 {
		return false
	}
	for _, q := range s.Questions {
		if q.Status == QuestionStatusPending || q.Status == QuestionStatusGenerating {
			return false
		}
	}
	return true
}

// Question returns a pointer to the question with the given response id
func (s *Section) Question(responseID string) *SectionQuestion {
	for i := range s.Questions {
		if s.Questions[i].ID == responseID {
			return &s.Questions[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the section
func (s *Section) Clone() *Section {
	if s == nil {
		return nil
	}
	c := *s
	c.Questions = append([]SectionQuestion(nil), s.Questions...)
	return &c
}

// MergeSection applies a refreshed payload onto the current section.
//
// Approval is monotonic: a question approved locally stays approved no matter
// what the refresh says. A user edit is kept when the refresh carries none.
func MergeSection(current, incoming *Section) *Section {
	if current == nil {
		return incoming.Clone()
	}
	if incoming == nil {
		return current.Clone()
	}

	merged := incoming.Clone()
	if merged.Title == "" {
		merged.Title = current.Title
	}
	if merged.Intro == "" {
		merged.Intro = current.Intro
	}

	byID := make(map[string]SectionQuestion, len(current.Questions))
	for _, q := range current.Questions {
		byID[q.ID] = q
		if q.QuestionID != "" {
			byID["q:"+q.QuestionID] = q
		}
	}

	for i := range merged.Questions {
		q := &merged.Questions[i]
		prev, ok := byID[q.ID]
		if !ok && q.QuestionID != "" {
			prev, ok = byID["q:"+q.QuestionID]
		}
		if !ok {
			continue
		}
		if prev.IsApproved {
			q.IsApproved = true
		}
		if q.UserEditedAnswer == "" {
			q.UserEditedAnswer = prev.UserEditedAnswer
		}
		if q.GeneratedAnswer == "" {
			q.GeneratedAnswer = prev.GeneratedAnswer
		}
	}
	return merged
}

// SanitizeRestored coerces transient statuses that must not survive a reload.
// When trustApprovals is false every approval flag is cleared.
func SanitizeRestored(sections []*Section, trustApprovals bool) {
	for _, s := range sections {
		if s == nil {
			continue
		}
		for i := range s.Questions {
			if s.Questions[i].Status == QuestionStatusGenerating {
				s.Questions[i].Status = QuestionStatusReady
			}
			if !trustApprovals {
				s.Questions[i].IsApproved = false
			}
		}
	}
}
