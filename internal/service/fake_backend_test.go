package service

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/liliang-cn/guideflow/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend is an in-memory Backend that counts calls
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	seq   int

	renameErr  error
	startErr   error
	answerErr  error
	answerResp func(req remote.AnswerRequest) *remote.AnswerResponse
	// startGate and answerGate hold the call until closed
	startGate  chan struct{}
	answerGate chan struct{}

	progress     *remote.Progress
	progressErr  error
	progressWait chan struct{}
	waitFor      string
	history      []*domain.Message

	sections     map[int]*domain.Section
	generateErr  error
	allReady     bool
	status       func(n int) (*remote.SectionStatusResponse, error)
	confirmNext  map[int]int
	regenerated  string
	saveProgress []domain.Position
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:       make(map[string]int),
		sections:    make(map[int]*domain.Section),
		confirmNext: make(map[int]int),
	}
}

func (f *fakeBackend) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) CreateSession(ctx context.Context, req remote.CreateSessionRequest) (*remote.CreateSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	f.seq++
	return &remote.CreateSessionResponse{SessionID: req.Flow + "-" + strconv.Itoa(f.seq)}, nil
}

func (f *fakeBackend) RenameSession(ctx context.Context, sessionID, name string) (*remote.RenameResponse, error) {
	f.count("rename")
	if f.renameErr != nil {
		return nil, f.renameErr
	}
	return &remote.RenameResponse{
		Messages: []string{"Lovely to meet you, " + name + "."},
		VideoURL: "https://videos.example/intro.mp4",
	}, nil
}

func (f *fakeBackend) StartPhase(ctx context.Context, sessionID string) error {
	f.count("start")
	if f.startGate != nil {
		<-f.startGate
	}
	return f.startErr
}

func (f *fakeBackend) SubmitAnswer(ctx context.Context, sessionID string, req remote.AnswerRequest) (*remote.AnswerResponse, error) {
	f.count("answer")
	if f.answerGate != nil {
		<-f.answerGate
	}
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	if f.answerResp != nil {
		return f.answerResp(req), nil
	}
	next := req.Index + 1
	return &remote.AnswerResponse{NextIndex: &next}, nil
}

func (f *fakeBackend) GenerateSection(ctx context.Context, sessionID string, number int) (*remote.SectionResponse, error) {
	f.count("generate")
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	f.mu.Lock()
	sec := f.sections[number].Clone()
	f.mu.Unlock()
	if sec == nil {
		sec = readySection(number, 2)
	}
	return &remote.SectionResponse{Section: sec, AllReady: f.allReady}, nil
}

func (f *fakeBackend) SectionStatus(ctx context.Context, sessionID string, number int) (*remote.SectionStatusResponse, error) {
	f.count("status")
	if f.status != nil {
		return f.status(number)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sec := f.sections[number]
	if sec == nil {
		return &remote.SectionStatusResponse{}, nil
	}
	return &remote.SectionStatusResponse{Questions: sec.Clone().Questions, AllReady: sec.AllReady()}, nil
}

func (f *fakeBackend) ConfirmQuestion(ctx context.Context, sessionID string, number int, responseID string) error {
	f.count("confirm_question")
	return nil
}

func (f *fakeBackend) ConfirmSection(ctx context.Context, sessionID string, number int) (*remote.ConfirmSectionResponse, error) {
	f.count("confirm_section")
	f.mu.Lock()
	defer f.mu.Unlock()
	if next, ok := f.confirmNext[number]; ok {
		return &remote.ConfirmSectionResponse{NextSection: &next}, nil
	}
	return &remote.ConfirmSectionResponse{}, nil
}

func (f *fakeBackend) UpdateAnswer(ctx context.Context, sessionID string, number int, responseID, answer string) (*remote.QuestionResponse, error) {
	f.count("update_answer")
	return &remote.QuestionResponse{Question: domain.SectionQuestion{ID: responseID, UserEditedAnswer: answer, Status: domain.QuestionStatusReady}}, nil
}

func (f *fakeBackend) RegenerateAnswer(ctx context.Context, sessionID string, number int, responseID string) (*remote.QuestionResponse, error) {
	f.count("regenerate")
	return &remote.QuestionResponse{Question: domain.SectionQuestion{
		ID:              responseID,
		GeneratedAnswer: f.regenerated,
		Status:          domain.QuestionStatusReady,
	}}, nil
}

func (f *fakeBackend) GetProgress(ctx context.Context, sessionID string) (*remote.Progress, error) {
	f.count("progress")
	if f.progressWait != nil && (f.waitFor == "" || f.waitFor == sessionID) {
		select {
		case <-f.progressWait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.progressErr != nil {
		return nil, f.progressErr
	}
	if f.progress == nil {
		return &remote.Progress{}, nil
	}
	return f.progress, nil
}

func (f *fakeBackend) SaveProgress(ctx context.Context, sessionID string, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["save_progress"]++
	f.saveProgress = append(f.saveProgress, pos)
	return nil
}

func (f *fakeBackend) GetHistory(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	f.count("get_history")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Message(nil), f.history...), nil
}

func (f *fakeBackend) SaveHistory(ctx context.Context, sessionID string, messages []*domain.Message) error {
	f.count("save_history")
	return nil
}

func (f *fakeBackend) Export(ctx context.Context, sessionID string) (io.ReadCloser, string, error) {
	f.count("export")
	return io.NopCloser(strings.NewReader("%PDF-1.7")), "application/pdf", nil
}

func (f *fakeBackend) lastSavedPosition() domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saveProgress) == 0 {
		return domain.Position{}
	}
	return f.saveProgress[len(f.saveProgress)-1]
}

func readySection(n, questions int) *domain.Section {
	sec := &domain.Section{Number: n, Title: "Section " + strconv.Itoa(n), Intro: "Here is what I drafted."}
	for i := 0; i < questions; i++ {
		sec.Questions = append(sec.Questions, domain.SectionQuestion{
			ID:              "r" + strconv.Itoa(n) + "-" + strconv.Itoa(i),
			QuestionID:      "q" + strconv.Itoa(i),
			QuestionText:    "Question " + strconv.Itoa(i),
			GeneratedAnswer: "Generated answer " + strconv.Itoa(i) + ".",
			Status:          domain.QuestionStatusReady,
		})
	}
	return sec
}

func testFlow(t *testing.T, name string) *flow.Definition {
	t.Helper()
	reg, err := flow.LoadRegistry("")
	require.NoError(t, err)
	def, err := reg.Get(name)
	require.NoError(t, err)
	return def
}

func newTestDB(t *testing.T) *repository.DB {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "guideflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type harness struct {
	backend *fakeBackend
	store   *SessionStore
	history *HistoryService
	repo    *repository.SessionRepository
	snaps   *repository.SnapshotRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	backend := newFakeBackend()
	snaps := repository.NewSnapshotRepository(db, 0)
	repo := repository.NewSessionRepository(db)
	return &harness{
		backend: backend,
		store:   NewSessionStore(snaps, 0, 0, zap.NewNop()),
		history: NewHistoryService(repo, backend, zap.NewNop()),
		repo:    repo,
		snaps:   snaps,
	}
}

func (h *harness) controller(t *testing.T, flowName, sessionID string, poll time.Duration) *Controller {
	t.Helper()
	session := &domain.Session{ID: sessionID, WorkspaceID: "w1", Flow: flowName}
	require.NoError(t, h.repo.Create(context.Background(), session))
	c, err := NewController(testFlow(t, flowName), session, ControllerOptions{
		Backend:      h.backend,
		Store:        h.store,
		History:      h.history,
		PollInterval: poll,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (h *harness) service(t *testing.T, poll time.Duration) *SessionService {
	t.Helper()
	reg, err := flow.LoadRegistry("")
	require.NoError(t, err)
	s := NewSessionService(reg, h.backend, h.store, h.history, h.repo, poll, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}
