package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Action ids offered with messages
const (
	ActionReady    = "ready"
	ActionContinue = "continue"
)

// ControllerOptions wires a controller to its collaborators
type ControllerOptions struct {
	Backend      Backend
	Store        *SessionStore
	History      *HistoryService
	PollInterval time.Duration
	Logger       *zap.Logger
	// OnStatus is called after the session status changed
	OnStatus func(ctx context.Context, sessionID, status string)
}

// StepResult is the state after an operation together with the messages it appended
type StepResult struct {
	Session  domain.Session    `json:"session"`
	Progress domain.Progress   `json:"progress"`
	Messages []*domain.Message `json:"messages,omitempty"`
	Section  *domain.Section   `json:"section,omitempty"`
}

// View is the full client-facing state of a mounted session
type View struct {
	Session  domain.Session    `json:"session"`
	Progress domain.Progress   `json:"progress"`
	Question *flow.QuestionDef `json:"question,omitempty"`
	Sections []*domain.Section `json:"sections,omitempty"`
	Messages []*domain.Message `json:"messages"`
}

// Controller drives one mounted session through its flow. The same controller
// serves every flow; the definition decides which stages exist. State is
// mutated only under mu, always against the latest values, and backend calls
// run with mu released.
type Controller struct {
	def         *flow.Definition
	workspaceID string
	sessionID   string
	backend     Backend
	store       *SessionStore
	history     *HistoryService
	reconciler  *Reconciler
	logger      *zap.Logger
	poll        time.Duration
	onStatus    func(ctx context.Context, sessionID, status string)

	calls singleflight.Group

	mu             sync.Mutex
	session        *domain.Session
	machine        *flow.Machine
	sections       map[int]*domain.Section
	transcript     []*domain.Message
	shown          map[string]bool
	startConfirmed bool
	mounted        bool
	closed         bool
	pollers        map[int]*poller
	seq            uint64

	// persistMu orders snapshot writes; persisted is the last seq written and
	// unpushed marks a transcript change whose push was superseded
	persistMu sync.Mutex
	persisted uint64
	unpushed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type poller struct {
	cancel context.CancelFunc
}

// pending carries what has to be written after the lock is released
type pending struct {
	seq        uint64
	messages   []*domain.Message
	transcript []*domain.Message
	snapshot   *domain.Snapshot
	status     string
}

// NewController creates a controller for session running def
func NewController(def *flow.Definition, session *domain.Session, opts ControllerOptions) (*Controller, error) {
	if session == nil || session.ID == "" || session.WorkspaceID == "" {
		return nil, domain.ErrMissingIdentifiers
	}
	if opts.Backend == nil || opts.Store == nil {
		return nil, fmt.Errorf("controller needs a backend and a store: %w", domain.ErrInvalidRequest)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", session.ID), zap.String("flow", def.Name))

	if session.Stage == "" {
		session.Stage = domain.StageWelcome
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusActive
	}
	machine, err := flow.NewMachine(def, session.Stage, func(ev flow.Event, from, to domain.Stage) {
		metrics.RecordTransition(def.Name, string(ev), string(to))
		if from != to {
			logger.Debug("Stage transition",
				zap.String("event", string(ev)),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		}
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		def:         def,
		workspaceID: session.WorkspaceID,
		sessionID:   session.ID,
		backend:     opts.Backend,
		store:       opts.Store,
		history:     opts.History,
		reconciler:  NewReconciler(opts.Backend, opts.Store, logger),
		logger:      logger,
		poll:        opts.PollInterval,
		onStatus:    opts.OnStatus,
		session:     session,
		machine:     machine,
		sections:    make(map[int]*domain.Section),
		shown:       make(map[string]bool),
		pollers:     make(map[int]*poller),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ID returns the session id
func (c *Controller) ID() string { return c.sessionID }

// WorkspaceID returns the owning workspace
func (c *Controller) WorkspaceID() string { return c.workspaceID }

// Flow returns the flow definition the controller runs
func (c *Controller) Flow() *flow.Definition { return c.def }

func (c *Controller) lock() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	return nil
}

// Mount reconciles the controller with remote and local state. Only the first
// call does any work.
func (c *Controller) Mount(ctx context.Context) (*View, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.mounted {
		v := c.viewLocked()
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	st, err := c.reconciler.Reconcile(ctx, c.workspaceID, c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("reconcile session %s: %w", c.sessionID, err)
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.mounted {
		v := c.viewLocked()
		c.mu.Unlock()
		return v, nil
	}
	c.mounted = true
	c.applyLocked(st)

	refetch := 0
	if c.machine.Current() == domain.StageGenerationLoop && c.sections[c.session.SectionNumber] == nil {
		refetch = c.session.SectionNumber
	}
	for n, sec := range c.sections {
		if !sec.AllReady() && !sec.IsComplete() {
			c.startPollerLocked(n)
		}
	}
	restoredHistory := len(c.transcript) > 0
	c.mu.Unlock()

	c.logger.Info("Session mounted",
		zap.String("source", string(st.Source)),
		zap.String("stage", string(st.Position.Stage)))

	if !restoredHistory && c.history != nil {
		loaded, err := c.history.Load(ctx, c.sessionID)
		if err != nil {
			c.logger.Warn("Failed to load history", zap.Error(err))
		}
		if len(loaded) > 0 {
			c.mu.Lock()
			if len(c.transcript) == 0 {
				c.transcript = loaded
				for _, m := range loaded {
					c.shown[m.ID] = true
				}
			}
			c.mu.Unlock()
		}
	}

	if refetch > 0 {
		c.restoreSection(ctx, refetch)
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	p := c.pendingLocked(nil)
	v := c.viewLocked()
	c.mu.Unlock()
	c.persist(ctx, p)
	return v, nil
}

// restoreSection fetches the content of an open section that could not be
// restored locally. A section the backend has no status for is generated.
func (c *Controller) restoreSection(ctx context.Context, n int) {
	sec, err := c.RefreshSection(ctx, n)
	if err == nil && sec != nil && len(sec.Questions) > 0 {
		return
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, remote.ErrNotFound) {
		c.logger.Warn("Failed to refetch section content", zap.Int("section", n), zap.Error(err))
		return
	}
	if _, err := c.GenerateSection(ctx, n); err != nil {
		c.logger.Warn("Failed to regenerate section content", zap.Int("section", n), zap.Error(err))
	}
}

// markMounted skips reconciliation for a session created in this process
func (c *Controller) markMounted() {
	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()
}

func (c *Controller) applyLocked(st *ReconciledState) {
	if len(st.History) > 0 {
		c.transcript = st.History
		for _, m := range st.History {
			c.shown[m.ID] = true
		}
	}
	if st.Source == SourceDefault {
		return
	}

	stage := domain.ParseStage(string(st.Position.Stage))
	if stage == "" {
		stage = domain.StageWelcome
	}
	if err := c.machine.Restore(stage); err != nil {
		c.logger.Warn("Restored stage not in flow, starting over", zap.String("stage", string(stage)))
		stage = domain.StageWelcome
		_ = c.machine.Restore(stage)
	}
	c.session.Stage = stage
	c.session.QuestionIndex = st.Position.QuestionIndex
	c.session.SectionNumber = st.Position.SectionNumber
	if stage == domain.StageGenerationLoop && c.session.SectionNumber == 0 {
		c.session.SectionNumber = 1
	}
	c.session.Started = st.IsStarted
	if st.UserName != "" {
		c.session.UserName = st.UserName
	}
	if len(st.Answers) > 0 {
		c.session.Answers = append([]domain.Answer(nil), st.Answers...)
	}
	for _, sec := range st.Sections {
		if sec != nil {
			c.sections[sec.Number] = sec.Clone()
		}
	}
	// only the backend's word counts for the already-started cache
	c.startConfirmed = st.Source == SourceRemote && st.IsStarted
	if stage == domain.StageComplete {
		c.session.Status = domain.SessionStatusComplete
	}
}

// Begin shows the welcome message and moves to name collection
func (c *Controller) Begin(ctx context.Context) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.machine.Current() != domain.StageWelcome {
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	}
	msgs, err := c.beginLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return c.commit(ctx, msgs, nil), nil
}

func (c *Controller) beginLocked(ctx context.Context) ([]*domain.Message, error) {
	if err := c.fireLocked(ctx, flow.EventBegin); err != nil {
		return nil, err
	}
	var msgs []*domain.Message
	if c.def.Welcome != "" {
		msgs = append(msgs, c.appendLocked(domain.RoleAVA, strings.TrimSpace(c.def.Welcome), nil))
	}
	return msgs, nil
}

// SubmitName records the user's name and shows the personalised intro
func (c *Controller) SubmitName(ctx context.Context, name string) (*StepResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is empty: %w", domain.ErrInvalidRequest)
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	var msgs []*domain.Message
	if c.machine.Current() == domain.StageWelcome {
		m, err := c.beginLocked(ctx)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		msgs = append(msgs, m...)
	}
	if stage := c.machine.Current(); stage != domain.StageNameCollection {
		if c.session.UserName == name {
			res := c.resultLocked(nil)
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("submit name in %s: %w", stage, domain.ErrInvalidTransition)
	}
	if err := c.fireLocked(ctx, flow.EventSubmitName); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.session.UserName = name
	msgs = append(msgs, c.appendLocked(domain.RoleUser, name, nil))
	c.mu.Unlock()

	resp, callErr := c.backend.RenameSession(ctx, c.sessionID, name)
	metrics.RecordBackendCall("rename", callErr)

	if err := c.lock(); err != nil {
		return nil, err
	}
	meta := &domain.Metadata{Actions: []domain.Action{{ID: ActionReady, Label: "I'm ready"}}}
	if callErr == nil && resp != nil {
		meta.VideoURL = resp.VideoURL
	}
	if callErr != nil || resp == nil || len(resp.Messages) == 0 {
		if intro := c.def.IntroFor(name); intro != "" {
			msgs = append(msgs, c.appendLocked(domain.RoleAVA, intro, meta))
		}
	} else {
		for i, text := range resp.Messages {
			var m *domain.Metadata
			if i == len(resp.Messages)-1 {
				m = meta
			}
			msgs = append(msgs, c.appendLocked(domain.RoleAVA, text, m))
		}
	}
	return c.commit(ctx, msgs, nil), deferred("rename session", callErr)
}

// ConfirmReady starts the question phase. Repeated calls transition once and
// reach the backend at most until it confirmed the start.
func (c *Controller) ConfirmReady(ctx context.Context) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	switch stage := c.machine.Current(); stage {
	case domain.StageIntro:
	case domain.StageWelcome, domain.StageNameCollection:
		c.mu.Unlock()
		return nil, fmt.Errorf("confirm ready in %s: %w", stage, domain.ErrInvalidTransition)
	default:
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	_, callErr, _ := c.calls.Do("start", func() (any, error) {
		return nil, c.startPhase(ctx)
	})

	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.machine.Current() != domain.StageIntro {
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	}
	if err := c.fireLocked(ctx, flow.EventConfirmReady); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.session.Started = true
	msgs, status := c.enterLocked()
	p := c.pendingLocked(msgs)
	p.status = status
	res := c.resultLocked(msgs)
	c.mu.Unlock()
	c.persist(ctx, p)
	return res, deferred("start phase", callErr)
}

func (c *Controller) startPhase(ctx context.Context) error {
	c.mu.Lock()
	confirmed := c.startConfirmed
	c.mu.Unlock()
	if confirmed {
		return nil
	}

	err := c.backend.StartPhase(ctx, c.sessionID)
	metrics.RecordBackendCall("start", err)
	if err != nil && !errors.Is(err, remote.ErrAlreadyDone) {
		return err
	}
	c.mu.Lock()
	c.startConfirmed = true
	c.mu.Unlock()
	return nil
}

// SubmitAnswer answers the current main-loop question. questionID may be
// empty; when set it must name the current question, or an already answered
// one with identical text (a retried submit, which is a no-op).
func (c *Controller) SubmitAnswer(ctx context.Context, questionID, text string) (*StepResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("answer is empty: %w", domain.ErrInvalidRequest)
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	duplicate := func() bool {
		if questionID == "" {
			return false
		}
		a, ok := c.session.AnswerFor(questionID)
		return ok && a.Text == text
	}
	if stage := c.machine.Current(); stage != domain.StageMainLoop {
		if duplicate() {
			res := c.resultLocked(nil)
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("submit answer in %s: %w", stage, domain.ErrInvalidTransition)
	}

	index := c.session.QuestionIndex
	q, ok := c.def.Question(index)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("no question at index %d: %w", index, domain.ErrInvalidTransition)
	}
	if questionID != "" && questionID != q.ID {
		if duplicate() {
			res := c.resultLocked(nil)
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("answer for %s but current question is %s: %w", questionID, q.ID, domain.ErrInvalidRequest)
	}

	var msgs []*domain.Message
	if prev, ok := c.session.AnswerFor(q.ID); !ok || prev.Text != text {
		c.session.SetAnswer(domain.Answer{QuestionID: q.ID, Index: index, Text: text})
		msgs = append(msgs, c.appendLocked(domain.RoleUser, text, nil))
	}
	c.mu.Unlock()

	v, callErr, _ := c.calls.Do("answer:"+q.ID, func() (any, error) {
		resp, err := c.backend.SubmitAnswer(ctx, c.sessionID, remote.AnswerRequest{
			QuestionID: q.ID,
			Index:      index,
			Answer:     text,
		})
		metrics.RecordBackendCall("answer", err)
		return resp, err
	})

	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.machine.Current() != domain.StageMainLoop || c.session.QuestionIndex != index {
		// a concurrent submit of the same answer already advanced
		res := c.resultLocked(msgs)
		c.mu.Unlock()
		return res, nil
	}

	next, complete, auto := index+1, false, false
	if resp, _ := v.(*remote.AnswerResponse); callErr == nil && resp != nil {
		if resp.NextIndex != nil {
			next = *resp.NextIndex
		}
		complete = resp.IsComplete
		auto = resp.AutoAdvance
	}
	total := len(c.def.Questions)
	if next >= total {
		complete = true
	}

	var status string
	if complete {
		c.session.QuestionIndex = total
		ev := flow.EventPhaseComplete
		if auto {
			ev = flow.EventAutoAdvance
		}
		if err := c.fireLocked(ctx, ev); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		entered, st := c.enterLocked()
		msgs = append(msgs, entered...)
		status = st
	} else {
		if err := c.fireLocked(ctx, flow.EventAnswerAccepted); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if next < 0 {
			next = 0
		}
		c.session.QuestionIndex = next
		msgs = append(msgs, c.questionMessageLocked(next))
	}
	p := c.pendingLocked(msgs)
	p.status = status
	res := c.resultLocked(msgs)
	c.mu.Unlock()
	c.persist(ctx, p)
	return res, deferred("submit answer", callErr)
}

// Continue leaves the transition stage
func (c *Controller) Continue(ctx context.Context) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	switch stage := c.machine.Current(); stage {
	case domain.StageTransition:
	case domain.StageGenerationLoop, domain.StageComplete:
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("continue in %s: %w", stage, domain.ErrInvalidTransition)
	}
	if err := c.fireLocked(ctx, flow.EventContinue); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	msgs, status := c.enterLocked()
	return c.commit(ctx, msgs, func(p *pending) { p.status = status }), nil
}

// GenerateSection asks the backend for section n and polls until its
// questions are ready. The first generation has no local fallback, so
// backend errors are returned as is.
func (c *Controller) GenerateSection(ctx context.Context, n int) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	if stage := c.machine.Current(); stage != domain.StageGenerationLoop {
		c.mu.Unlock()
		return nil, fmt.Errorf("generate section in %s: %w", stage, domain.ErrInvalidTransition)
	}
	if n < 1 || n > c.def.Sections || n > c.session.SectionNumber {
		c.mu.Unlock()
		return nil, fmt.Errorf("section %d is not open: %w", n, domain.ErrInvalidRequest)
	}
	if sec := c.sections[n]; sec != nil && sec.IsComplete() {
		res := c.resultLocked(nil)
		res.Section = sec.Clone()
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	v, err, _ := c.calls.Do("generate:"+strconv.Itoa(n), func() (any, error) {
		resp, err := c.backend.GenerateSection(ctx, c.sessionID, n)
		metrics.RecordBackendCall("generate", err)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("generate section %d: %w", n, err)
	}
	resp, _ := v.(*remote.SectionResponse)
	if resp == nil || resp.Section == nil {
		return nil, fmt.Errorf("generate section %d: backend returned no section: %w", n, domain.ErrNotFound)
	}

	if err := c.lock(); err != nil {
		return nil, err
	}
	incoming := resp.Section.Clone()
	incoming.Number = n
	prev := c.sections[n]
	merged := domain.MergeSection(prev, incoming)
	c.sections[n] = merged

	var msgs []*domain.Message
	if prev == nil && !c.hasSectionMessageLocked(n) {
		msgs = append(msgs, c.sectionMessageLocked(merged))
	}
	if !resp.AllReady && !merged.AllReady() && !merged.IsComplete() {
		c.startPollerLocked(n)
	}
	section := merged.Clone()
	return c.commit(ctx, msgs, func(*pending) {}).withSection(section), nil
}

// RefreshSection fetches the generation status of section n and merges it.
// Transient backend errors return the cached section.
func (c *Controller) RefreshSection(ctx context.Context, n int) (*domain.Section, error) {
	sec, _, err := c.refresh(ctx, n)
	if err != nil && remote.IsTransient(err) {
		c.mu.Lock()
		cached := c.sections[n].Clone()
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
	}
	return sec, err
}

func (c *Controller) refresh(ctx context.Context, n int) (*domain.Section, bool, error) {
	if err := c.lock(); err != nil {
		return nil, true, err
	}
	sec := c.sections[n]
	if sec == nil && (n < 1 || n > c.session.SectionNumber) {
		c.mu.Unlock()
		return nil, true, fmt.Errorf("section %d: %w", n, domain.ErrNotFound)
	}
	if sec != nil && sec.IsComplete() {
		out := sec.Clone()
		c.mu.Unlock()
		return out, true, nil
	}
	c.mu.Unlock()

	resp, err := c.backend.SectionStatus(ctx, c.sessionID, n)
	metrics.RecordBackendCall("section_status", err)
	if err != nil {
		return nil, false, fmt.Errorf("section %d status: %w", n, err)
	}

	if err := c.lock(); err != nil {
		return nil, true, err
	}
	if ctx.Err() != nil {
		c.mu.Unlock()
		return nil, true, ctx.Err()
	}
	sec = c.sections[n]
	if sec == nil && len(resp.Questions) == 0 {
		c.mu.Unlock()
		return nil, true, fmt.Errorf("section %d: %w", n, domain.ErrNotFound)
	}
	incoming := &domain.Section{Number: n, Questions: resp.Questions}
	if sec != nil {
		incoming.Title = sec.Title
		incoming.Intro = sec.Intro
	}
	merged := domain.MergeSection(sec, incoming)
	c.sections[n] = merged
	ready := resp.AllReady || merged.AllReady() || merged.IsComplete()
	out := merged.Clone()
	p := c.pendingLocked(nil)
	c.mu.Unlock()
	c.persist(ctx, p)
	return out, ready, nil
}

func (c *Controller) startPollerLocked(n int) {
	if _, running := c.pollers[n]; running || c.poll <= 0 || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	p := &poller{cancel: cancel}
	c.pollers[n] = p
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			if c.pollers[n] == p {
				delete(c.pollers, n)
			}
			c.mu.Unlock()
		}()
		c.pollSection(ctx, n)
	}()
}

func (c *Controller) stopPollersLocked() {
	for n, p := range c.pollers {
		p.cancel()
		delete(c.pollers, n)
	}
}

func (c *Controller) pollSection(ctx context.Context, n int) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, ready, err := c.refresh(ctx, n)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrSessionClosed) {
				return
			}
			if !remote.IsTransient(err) {
				c.logger.Warn("Stopped polling section", zap.Int("section", n), zap.Error(err))
				return
			}
			c.logger.Debug("Section poll failed, retrying", zap.Int("section", n), zap.Error(err))
			continue
		}
		if ready {
			return
		}
	}
}

// Polling reports whether a poller is running for section n
func (c *Controller) Polling(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pollers[n]
	return ok
}

// ConfirmQuestion approves one answer of section n. Approval is final.
func (c *Controller) ConfirmQuestion(ctx context.Context, n int, responseID string) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err := c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if q.IsApproved {
		res := c.resultLocked(nil)
		res.Section = c.sections[n].Clone()
		c.mu.Unlock()
		return res, nil
	}
	if q.Status == domain.QuestionStatusPending || q.Status == domain.QuestionStatusGenerating {
		c.mu.Unlock()
		return nil, fmt.Errorf("question %s is still generating: %w", responseID, domain.ErrInvalidRequest)
	}
	c.mu.Unlock()

	_, callErr, _ := c.calls.Do("confirm:"+strconv.Itoa(n)+":"+responseID, func() (any, error) {
		err := c.backend.ConfirmQuestion(ctx, c.sessionID, n, responseID)
		metrics.RecordBackendCall("confirm_question", err)
		if errors.Is(err, remote.ErrAlreadyDone) {
			return nil, nil
		}
		return nil, err
	})

	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err = c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	q.IsApproved = true
	section := c.sections[n].Clone()
	return c.commit(ctx, nil, nil).withSection(section), deferred("confirm question", callErr)
}

// ConfirmSection approves section n once all its questions are approved and
// opens the next one, or finishes the flow after the last section.
func (c *Controller) ConfirmSection(ctx context.Context, n int) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	if stage := c.machine.Current(); stage != domain.StageGenerationLoop {
		if stage == domain.StageComplete {
			res := c.resultLocked(nil)
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("confirm section in %s: %w", stage, domain.ErrInvalidTransition)
	}
	sec := c.sections[n]
	if sec == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("section %d: %w", n, domain.ErrNotFound)
	}
	if n < c.session.SectionNumber {
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	}
	if !sec.IsComplete() {
		c.mu.Unlock()
		return nil, fmt.Errorf("section %d has unapproved questions: %w", n, domain.ErrNotComplete)
	}
	c.mu.Unlock()

	v, callErr, _ := c.calls.Do("confirm-section:"+strconv.Itoa(n), func() (any, error) {
		resp, err := c.backend.ConfirmSection(ctx, c.sessionID, n)
		metrics.RecordBackendCall("confirm_section", err)
		if errors.Is(err, remote.ErrAlreadyDone) {
			return nil, nil
		}
		return resp, err
	})

	if err := c.lock(); err != nil {
		return nil, err
	}
	if c.machine.Current() != domain.StageGenerationLoop || c.session.SectionNumber != n {
		res := c.resultLocked(nil)
		c.mu.Unlock()
		return res, nil
	}

	next := n + 1
	if resp, _ := v.(*remote.ConfirmSectionResponse); resp != nil && resp.NextSection != nil {
		next = *resp.NextSection
	}
	var (
		msgs   []*domain.Message
		status string
	)
	if next > c.def.Sections {
		if err := c.fireLocked(ctx, flow.EventFinish); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		msgs, status = c.enterLocked()
	} else {
		if err := c.fireLocked(ctx, flow.EventSectionConfirmed); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if next > n {
			c.session.SectionNumber = next
		}
	}
	return c.commit(ctx, msgs, func(p *pending) { p.status = status }), deferred("confirm section", callErr)
}

// EditAnswer stores the user's edit of a generated answer
func (c *Controller) EditAnswer(ctx context.Context, n int, responseID, text string) (*StepResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("answer is empty: %w", domain.ErrInvalidRequest)
	}
	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err := c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	q.UserEditedAnswer = text
	c.mu.Unlock()

	resp, callErr := c.backend.UpdateAnswer(ctx, c.sessionID, n, responseID, text)
	metrics.RecordBackendCall("update_answer", callErr)

	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err = c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if callErr == nil && resp != nil && resp.Question.ID == responseID {
		if resp.Question.GeneratedAnswer != "" {
			q.GeneratedAnswer = resp.Question.GeneratedAnswer
		}
		if resp.Question.UserEditedAnswer != "" {
			q.UserEditedAnswer = resp.Question.UserEditedAnswer
		}
		if resp.Question.Status != "" {
			q.Status = resp.Question.Status
		}
	}
	section := c.sections[n].Clone()
	return c.commit(ctx, nil, nil).withSection(section), deferred("update answer", callErr)
}

// RegenerateAnswer asks the backend for new content for one question.
// Approved answers are final and cannot be regenerated.
func (c *Controller) RegenerateAnswer(ctx context.Context, n int, responseID string) (*StepResult, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err := c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if q.IsApproved {
		c.mu.Unlock()
		return nil, fmt.Errorf("question %s is approved: %w", responseID, domain.ErrInvalidRequest)
	}
	prevStatus := q.Status
	q.Status = domain.QuestionStatusGenerating
	c.mu.Unlock()

	v, callErr, _ := c.calls.Do("regenerate:"+strconv.Itoa(n)+":"+responseID, func() (any, error) {
		resp, err := c.backend.RegenerateAnswer(ctx, c.sessionID, n, responseID)
		metrics.RecordBackendCall("regenerate", err)
		return resp, err
	})

	if err := c.lock(); err != nil {
		return nil, err
	}
	q, err = c.questionLocked(n, responseID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if callErr != nil {
		if q.Status == domain.QuestionStatusGenerating {
			q.Status = prevStatus
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("regenerate %s: %w", responseID, callErr)
	}
	if resp, _ := v.(*remote.QuestionResponse); resp != nil {
		if resp.Question.GeneratedAnswer != "" {
			q.GeneratedAnswer = resp.Question.GeneratedAnswer
		}
		q.UserEditedAnswer = ""
		q.Status = resp.Question.Status
	}
	if q.Status == "" || q.Status == domain.QuestionStatusGenerating {
		q.Status = domain.QuestionStatusReady
	}
	section := c.sections[n].Clone()
	return c.commit(ctx, nil, nil).withSection(section), nil
}

// Export streams the final artifact of a complete session
func (c *Controller) Export(ctx context.Context) (io.ReadCloser, string, error) {
	if err := c.lock(); err != nil {
		return nil, "", err
	}
	stage := c.machine.Current()
	c.mu.Unlock()
	if stage != domain.StageComplete {
		return nil, "", fmt.Errorf("export in %s: %w", stage, domain.ErrNotComplete)
	}
	body, contentType, err := c.backend.Export(ctx, c.sessionID)
	metrics.RecordBackendCall("export", err)
	if err != nil {
		return nil, "", fmt.Errorf("export: %w", err)
	}
	return body, contentType, nil
}

// View returns the current state
func (c *Controller) View() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Stage returns the current stage
func (c *Controller) Stage() domain.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Message returns a transcript message by id
func (c *Controller) Message(id string) (*domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.transcript {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Shown reports whether a message was already revealed completely
func (c *Controller) Shown(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown[id]
}

// MarkShown records that a message was revealed completely
func (c *Controller) MarkShown(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shown[id] = true
}

// Close cancels pollers and pending work. The controller rejects further
// operations with ErrSessionClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.stopPollersLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// Closed reports whether Close was called
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) fireLocked(ctx context.Context, ev flow.Event) error {
	to, err := c.machine.Fire(ctx, ev)
	if err != nil {
		return err
	}
	c.session.Stage = to
	c.session.UpdatedAt = time.Now().UTC()
	return nil
}

// enterLocked appends the messages of the stage just entered and returns the
// new session status when it changed.
func (c *Controller) enterLocked() ([]*domain.Message, string) {
	switch c.machine.Current() {
	case domain.StageMainLoop:
		return []*domain.Message{c.questionMessageLocked(c.session.QuestionIndex)}, ""
	case domain.StageTransition:
		if c.def.Transition == "" {
			return nil, ""
		}
		meta := &domain.Metadata{Actions: []domain.Action{{ID: ActionContinue, Label: "Continue"}}}
		return []*domain.Message{c.appendLocked(domain.RoleAVA, strings.TrimSpace(c.def.Transition), meta)}, ""
	case domain.StageGenerationLoop:
		if c.session.SectionNumber == 0 {
			c.session.SectionNumber = 1
		}
		return nil, ""
	case domain.StageComplete:
		c.session.Status = domain.SessionStatusComplete
		c.stopPollersLocked()
		var msgs []*domain.Message
		if c.def.Complete != "" {
			msgs = append(msgs, c.appendLocked(domain.RoleAVA, strings.TrimSpace(c.def.Complete), nil))
		}
		return msgs, domain.SessionStatusComplete
	}
	return nil, ""
}

func (c *Controller) appendLocked(role domain.Role, content string, meta *domain.Metadata) *domain.Message {
	m := domain.NewMessage(c.sessionID, role, content, meta)
	c.transcript = append(c.transcript, m)
	return m
}

func (c *Controller) questionMessageLocked(index int) *domain.Message {
	q, ok := c.def.Question(index)
	if !ok {
		return nil
	}
	idx := index
	meta := &domain.Metadata{
		QuestionIndex: &idx,
		Examples:      q.Examples,
		Badges:        []string{fmt.Sprintf("Question %d of %d", index+1, len(c.def.Questions))},
	}
	return c.appendLocked(domain.RoleAVA, q.Text, meta)
}

func (c *Controller) sectionMessageLocked(sec *domain.Section) *domain.Message {
	content := sec.Title
	if sec.Intro != "" {
		content = strings.TrimSpace(content + "\n\n" + sec.Intro)
	}
	if content == "" {
		content = fmt.Sprintf("Section %d", sec.Number)
	}
	meta := &domain.Metadata{
		SectionNumber: sec.Number,
		Badges:        []string{fmt.Sprintf("Section %d of %d", sec.Number, c.def.Sections)},
	}
	return c.appendLocked(domain.RoleAVA, content, meta)
}

func (c *Controller) hasSectionMessageLocked(n int) bool {
	for _, m := range c.transcript {
		if m.Metadata != nil && m.Metadata.SectionNumber == n {
			return true
		}
	}
	return false
}

func (c *Controller) questionLocked(n int, responseID string) (*domain.SectionQuestion, error) {
	sec := c.sections[n]
	if sec == nil {
		return nil, fmt.Errorf("section %d: %w", n, domain.ErrNotFound)
	}
	q := sec.Question(responseID)
	if q == nil {
		return nil, fmt.Errorf("question %s in section %d: %w", responseID, n, domain.ErrNotFound)
	}
	return q, nil
}

func (c *Controller) sortedSectionsLocked() []*domain.Section {
	out := make([]*domain.Section, 0, len(c.sections))
	for _, s := range c.sections {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (c *Controller) sessionCopyLocked() domain.Session {
	s := *c.session
	s.Answers = append([]domain.Answer(nil), c.session.Answers...)
	return s
}

func (c *Controller) snapshotLocked() *domain.Snapshot {
	pos := c.session.Position()
	if sec := c.sections[c.session.SectionNumber]; sec != nil {
		for i, q := range sec.Questions {
			if !q.IsApproved {
				pos.QuestionInSection = i
				break
			}
			pos.QuestionInSection = i + 1
		}
	}
	return &domain.Snapshot{
		Version:     domain.SnapshotVersion,
		Kind:        domain.SnapshotKindFull,
		WorkspaceID: c.workspaceID,
		SessionID:   c.sessionID,
		Position:    pos,
		IsStarted:   c.session.Started,
		LastUpdated: time.Now().UTC(),
		UserName:    c.session.UserName,
		Answers:     append([]domain.Answer(nil), c.session.Answers...),
		Sections:    c.sortedSectionsLocked(),
	}
}

func (c *Controller) resultLocked(msgs []*domain.Message) *StepResult {
	return &StepResult{
		Session:  c.sessionCopyLocked(),
		Progress: c.session.Progress(len(c.def.Questions)),
		Messages: compactMessages(msgs),
	}
}

func (c *Controller) viewLocked() *View {
	v := &View{
		Session:  c.sessionCopyLocked(),
		Progress: c.session.Progress(len(c.def.Questions)),
		Sections: c.sortedSectionsLocked(),
		Messages: append([]*domain.Message(nil), c.transcript...),
	}
	if c.machine.Current() == domain.StageMainLoop {
		if q, ok := c.def.Question(c.session.QuestionIndex); ok {
			v.Question = &q
		}
	}
	return v
}

func (c *Controller) pendingLocked(msgs []*domain.Message) *pending {
	msgs = compactMessages(msgs)
	c.seq++
	return &pending{
		seq:        c.seq,
		messages:   msgs,
		transcript: append([]*domain.Message(nil), c.transcript...),
		snapshot:   c.snapshotLocked(),
	}
}

// commit snapshots the state, releases mu and persists. mu must be held.
func (c *Controller) commit(ctx context.Context, msgs []*domain.Message, fn func(*pending)) *StepResult {
	p := c.pendingLocked(msgs)
	if fn != nil {
		fn(p)
	}
	res := c.resultLocked(msgs)
	c.mu.Unlock()
	c.persist(ctx, p)
	return res
}

func (r *StepResult) withSection(sec *domain.Section) *StepResult {
	r.Section = sec
	return r
}

// persist writes the snapshot and transcript; every write is best-effort.
// Writes are serialized and a snapshot older than the last one written is
// dropped, so stored and remote positions never move backwards.
func (c *Controller) persist(ctx context.Context, p *pending) {
	if p == nil {
		return
	}
	c.persistMu.Lock()
	if c.history != nil && len(p.messages) > 0 {
		c.history.Append(ctx, p.messages...)
	}
	if p.seq > c.persisted {
		c.persisted = p.seq
		c.store.Save(ctx, p.snapshot)
		if c.history != nil && (len(p.messages) > 0 || c.unpushed) {
			c.history.Push(ctx, c.sessionID, p.transcript)
			c.unpushed = false
		}
		err := c.backend.SaveProgress(ctx, c.sessionID, p.snapshot.Position)
		metrics.RecordBackendCall("save_progress", err)
		if err != nil {
			c.logger.Debug("Failed to save remote progress", zap.Error(err))
		}
	} else {
		c.unpushed = c.unpushed || len(p.messages) > 0
		c.logger.Debug("Skipping superseded snapshot", zap.Uint64("seq", p.seq), zap.Uint64("persisted", c.persisted))
	}
	c.persistMu.Unlock()

	if p.status != "" && c.onStatus != nil {
		c.onStatus(ctx, c.sessionID, p.status)
	}
}

func compactMessages(msgs []*domain.Message) []*domain.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
