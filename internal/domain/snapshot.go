package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current persisted layout
const SnapshotVersion = 2

// Snapshot kinds. An empty kind is the legacy full-content layout.
const (
	SnapshotKindFull     = "full"
	SnapshotKindPosition = "position"
)

// Snapshot is the locally persisted projection of a session
type Snapshot struct {
	Version     int        `json:"v,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	WorkspaceID string     `json:"workspace_id"`
	SessionID   string     `json:"session_id"`
	Position    Position   `json:"position"`
	IsStarted   bool       `json:"is_started"`
	LastUpdated time.Time  `json:"last_updated"`
	UserName    string     `json:"user_name,omitempty"`
	Answers     []Answer   `json:"answers,omitempty"`
	Sections    []*Section `json:"sections,omitempty"`
}

// legacySnapshot is the layout written before position-only snapshots existed
type legacySnapshot struct {
	CurrentStep         string     `json:"currentStep"`
	CurrentQuestion     int        `json:"currentQuestionIndex"`
	CurrentSection      int        `json:"currentSectionNumber"`
	CurrentSectionIndex int        `json:"currentQuestionInSection"`
	IsStarted           bool       `json:"isStarted"`
	LastUpdated         int64      `json:"lastUpdated"` // unix millis
	UserName            string     `json:"userName"`
	Answers             []Answer   `json:"answers"`
	Sections            []*Section `json:"sections"`
}

// IsPositionOnly reports whether content must be fetched remotely
func (s *Snapshot) IsPositionOnly() bool {
	return s.Kind == SnapshotKindPosition
}

// PositionOnly returns the strictly smaller resume-point projection
func (s *Snapshot) PositionOnly() *Snapshot {
	return &Snapshot{
		Version:     SnapshotVersion,
		Kind:        SnapshotKindPosition,
		WorkspaceID: s.WorkspaceID,
		SessionID:   s.SessionID,
		Position:    s.Position,
		IsStarted:   s.IsStarted,
		LastUpdated: s.LastUpdated,
	}
}

// DecodeSnapshot parses either the current or the legacy layout
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	if _, ok := probe["kind"]; ok {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return &snap, nil
	}

	var legacy legacySnapshot
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy snapshot: %w", err)
	}
	snap := &Snapshot{
		Kind: SnapshotKindFull,
		Position: Position{
			Stage:             ParseStage(legacy.CurrentStep),
			QuestionIndex:     legacy.CurrentQuestion,
			SectionNumber:     legacy.CurrentSection,
			QuestionInSection: legacy.CurrentSectionIndex,
		},
		IsStarted: legacy.IsStarted,
		UserName:  legacy.UserName,
		Answers:   legacy.Answers,
		Sections:  legacy.Sections,
	}
	if legacy.LastUpdated > 0 {
		snap.LastUpdated = time.UnixMilli(legacy.LastUpdated).UTC()
	}
	return snap, nil
}
