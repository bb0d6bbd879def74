package remote

import "github.com/liliang-cn/guideflow/internal/domain"

// CreateSessionRequest asks the backend for a new session
type CreateSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Label       string `json:"label,omitempty"`
	Flow        string `json:"flow"`
}

// CreateSessionResponse carries the backend-assigned id
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// RenameResponse carries the personalised intro
type RenameResponse struct {
	Messages []string `json:"messages,omitempty"`
	VideoURL string   `json:"video_url,omitempty"`
}

// AnswerRequest submits a main-loop answer
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Index      int    `json:"index"`
	Answer     string `json:"answer"`
}

// AnswerResponse reports how the backend advanced
type AnswerResponse struct {
	NextIndex   *int `json:"next_index,omitempty"`
	IsComplete  bool `json:"is_complete"`
	AutoAdvance bool `json:"auto_advance,omitempty"`
}

// SectionResponse is returned by generate and status calls
type SectionResponse struct {
	Section  *domain.Section `json:"section,omitempty"`
	AllReady bool            `json:"all_ready"`
}

// SectionStatusResponse is the polled status of a section
type SectionStatusResponse struct {
	Questions []domain.SectionQuestion `json:"questions"`
	AllReady  bool                     `json:"all_ready"`
}

// ConfirmSectionResponse optionally names the next section
type ConfirmSectionResponse struct {
	NextSection *int `json:"next_section,omitempty"`
}

// QuestionResponse carries updated or regenerated content
type QuestionResponse struct {
	Question domain.SectionQuestion `json:"question"`
}

// Progress is the backend's authoritative view of a session
type Progress struct {
	Position  domain.Position   `json:"position"`
	IsStarted bool              `json:"is_started"`
	UserName  string            `json:"user_name,omitempty"`
	Answers   []domain.Answer   `json:"answers,omitempty"`
	Sections  []*domain.Section `json:"sections,omitempty"`
}

// IsEmpty reports whether the backend knows nothing about the session yet
func (p *Progress) IsEmpty() bool {
	return p == nil || (p.Position.IsZero() && !p.IsStarted && len(p.Sections) == 0 && len(p.Answers) == 0)
}

// HasContent reports whether the progress carries more than a position
func (p *Progress) HasContent() bool {
	return p != nil && (p.UserName != "" || len(p.Answers) > 0 || len(p.Sections) > 0)
}

type historyPayload struct {
	Messages []*domain.Message `json:"messages"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
