package reveal

import (
	"context"
	"sync"
	"time"
)

// Options controls reveal pacing
type Options struct {
	// Stagger is the pause before each chunk. Zero reveals everything at once.
	Stagger time.Duration
	// Typewriter reveals one rune per Tick inside a chunk.
	Typewriter bool
	Tick       time.Duration
	// Instant marks content as already shown; it is revealed without delay.
	Instant bool
}

// Step is one visible update: chunk Chunk now shows Text
type Step struct {
	At    time.Duration `json:"at"`
	Chunk int           `json:"chunk"`
	Text  string        `json:"text"`
	Final bool          `json:"final"` // Text is the whole chunk
}

// Plan lays chunks out on a timeline.
//
// In chunk mode chunk i appears at (i+1)*Stagger. In typewriter mode each
// rune takes one Tick and the stagger is only paid between chunks.
func Plan(chunks []string, opts Options) []Step {
	steps := make([]Step, 0, len(chunks))
	if opts.Instant || (opts.Stagger <= 0 && !opts.Typewriter) {
		for i, c := range chunks {
			steps = append(steps, Step{Chunk: i, Text: c, Final: true})
		}
		return steps
	}

	if !opts.Typewriter {
		for i, c := range chunks {
			steps = append(steps, Step{At: time.Duration(i+1) * opts.Stagger, Chunk: i, Text: c, Final: true})
		}
		return steps
	}

	tick := opts.Tick
	if tick <= 0 {
		tick = 15 * time.Millisecond
	}
	var at time.Duration
	for i, c := range chunks {
		if i > 0 {
			at += opts.Stagger
		}
		runes := []rune(c)
		for j := range runes {
			at += tick
			steps = append(steps, Step{At: at, Chunk: i, Text: string(runes[:j+1]), Final: j == len(runes)-1})
		}
	}
	return steps
}

// VisibleAt counts chunks that have started showing after elapsed
func VisibleAt(plan []Step, elapsed time.Duration) int {
	visible := 0
	for _, s := range plan {
		if s.At > elapsed {
			break
		}
		if s.Chunk+1 > visible {
			visible = s.Chunk + 1
		}
	}
	return visible
}

// Duration is the time a full reveal takes
func Duration(plan []Step) time.Duration {
	if len(plan) == 0 {
		return 0
	}
	return plan[len(plan)-1].At
}

// Run executes the plan for chunks, calling emit for each step in order and
// onComplete once after the last one. It returns ctx.Err() when cancelled;
// no step is emitted once ctx is done.
func Run(ctx context.Context, chunks []string, opts Options, emit func(Step), onComplete func()) error {
	plan := Plan(chunks, opts)
	start := time.Now()
	for _, step := range plan {
		if wait := step.At - time.Since(start); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(step)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if onComplete != nil {
		onComplete()
	}
	return nil
}

// Handle is a reveal running in the background
type Handle struct {
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// Start runs a reveal asynchronously. Instant reveals complete before Start
// returns. After Cancel returns no further emit or onComplete call happens.
func Start(ctx context.Context, chunks []string, opts Options, emit func(Step), onComplete func()) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	guardedEmit := func(s Step) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.cancelled {
			emit(s)
		}
	}
	guardedComplete := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.cancelled && onComplete != nil {
			onComplete()
		}
	}

	if opts.Instant {
		h.err = Run(ctx, chunks, opts, guardedEmit, guardedComplete)
		close(h.done)
		return h
	}

	go func() {
		defer close(h.done)
		h.err = Run(ctx, chunks, opts, guardedEmit, guardedComplete)
	}()
	return h
}

// Cancel stops the reveal and clears its pending timer
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the reveal finished or was cancelled
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the reveal's result; valid after Done is closed
func (h *Handle) Err() error {
	<-h.done
	return h.err
}
