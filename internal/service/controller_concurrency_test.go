package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gatedSnapshots holds one Put until released
type gatedSnapshots struct {
	repository.SnapshotBackend

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedSnapshots) holdNextPut() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{})
	return g.entered, g.gate
}

func (g *gatedSnapshots) Put(ctx context.Context, key repository.SnapshotKey, payload []byte) error {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.gate, g.entered = nil, nil
	g.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return g.SnapshotBackend.Put(ctx, key, payload)
}

func questionMessages(view *View, index int) int {
	n := 0
	for _, m := range view.Messages {
		if m.Metadata != nil && m.Metadata.QuestionIndex != nil && *m.Metadata.QuestionIndex == index {
			n++
		}
	}
	return n
}

func runConcurrently(n int, fn func() error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn()
		}(i)
	}
	wg.Wait()
	return errs
}

func TestController_ConcurrentConfirmReadyStartsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.controller(t, "ava", "s1", 0)
	_, err := c.SubmitName(ctx, "Asha")
	require.NoError(t, err)

	h.backend.startGate = make(chan struct{})
	go func() {
		defer close(h.backend.startGate)
		assert.Eventually(t, func() bool { return h.backend.Calls("start") == 1 }, time.Second, time.Millisecond)
		// let the other callers join the call in flight
		time.Sleep(50 * time.Millisecond)
	}()

	errs := runConcurrently(8, func() error {
		_, err := c.ConfirmReady(ctx)
		return err
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, h.backend.Calls("start"))
	view := c.View()
	assert.Equal(t, domain.StageMainLoop, view.Session.Stage)
	assert.Equal(t, 1, questionMessages(view, 0))
}

func TestController_ConcurrentDuplicateAnswerAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.controller(t, "ava", "s1", 0)
	toMainLoop(t, c)

	h.backend.answerGate = make(chan struct{})
	go func() {
		defer close(h.backend.answerGate)
		assert.Eventually(t, func() bool { return h.backend.Calls("answer") == 1 }, time.Second, time.Millisecond)
		// let the other callers join the call in flight
		time.Sleep(50 * time.Millisecond)
	}()

	errs := runConcurrently(8, func() error {
		_, err := c.SubmitAnswer(ctx, "ava-q1", "Coaching for founders")
		return err
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, h.backend.Calls("answer"))
	view := c.View()
	assert.Equal(t, domain.StageMainLoop, view.Session.Stage)
	assert.Equal(t, 1, view.Session.QuestionIndex)
	require.Len(t, view.Session.Answers, 1)
	assert.Equal(t, 1, questionMessages(view, 1))

	users := 0
	for _, m := range view.Messages {
		if m.Role == domain.RoleUser && m.Content == "Coaching for founders" {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestController_OlderSnapshotNeverOverwritesNewer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gated := &gatedSnapshots{SnapshotBackend: h.snaps}
	h.store = NewSessionStore(gated, 0, 0, zap.NewNop())
	c := h.controller(t, "ava", "s1", 0)
	_, err := c.Begin(ctx)
	require.NoError(t, err)

	entered, release := gated.holdNextPut()
	nameDone := make(chan error, 1)
	go func() {
		_, err := c.SubmitName(ctx, "Asha")
		nameDone <- err
	}()
	<-entered

	readyDone := make(chan error, 1)
	go func() {
		_, err := c.ConfirmReady(ctx)
		readyDone <- err
	}()
	require.Eventually(t, func() bool { return c.Stage() == domain.StageMainLoop }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-nameDone)
	require.NoError(t, <-readyDone)

	snap, ok := h.store.Load(ctx, "w1", "s1")
	require.True(t, ok)
	assert.Equal(t, domain.StageMainLoop, snap.Position.Stage)
	assert.Equal(t, "Asha", snap.UserName)
	assert.Equal(t, domain.StageMainLoop, h.backend.lastSavedPosition().Stage)
}
