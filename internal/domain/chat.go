package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a transcript message
type Role string

// Role constants
const (
	RoleAVA    Role = "ava" // the assistant voice of both flows
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Message represents a conversational transcript entry
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata holds optional structured extras rendered next to a message
type Metadata struct {
	Badges        []string `json:"badges,omitempty"`
	Examples      []string `json:"examples,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
	VideoURL      string   `json:"video_url,omitempty"`
	QuestionIndex *int     `json:"question_index,omitempty"`
	SectionNumber int      `json:"section_number,omitempty"`
}

// Action is a button offered alongside a message
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// NewMessage builds a message with a time-ordered id
func NewMessage(sessionID string, role Role, content string, meta *Metadata) *Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Message{
		ID:        id.String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
}

// DedupeMessages drops repeated ids and back-to-back duplicates of the same
// role and content, which appear when a transcript was saved twice.
func DedupeMessages(messages []*Message) []*Message {
	seen := make(map[string]bool, len(messages))
	out := make([]*Message, 0, len(messages))
	for _, m := range messages {
		if m == nil || seen[m.ID] {
			continue
		}
		if n := len(out); n > 0 {
			last := out[n-1]
			if last.Role == m.Role && last.Content == m.Content {
				continue
			}
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// Stats represents session statistics for a workspace
type Stats struct {
	TotalSessions     int `json:"total_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	CompleteSessions  int `json:"complete_sessions"`
	AbandonedSessions int `json:"abandoned_sessions"`
	TotalMessages     int `json:"total_messages"`
}
