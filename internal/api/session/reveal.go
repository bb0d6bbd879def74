package session

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/api/respond"
	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/reveal"
	"go.uber.org/zap"
)

// RevealConfig holds reveal pacing defaults
type RevealConfig struct {
	Stagger    time.Duration
	Tick       time.Duration
	Typewriter bool
	MinChunk   int
}

// Reveal streams a message chunk by chunk as server-sent events. A message
// that was already revealed once is sent at once.
//
// Query: typewriter=true|false overrides the mode, instant=true skips pacing.
func (h *Handler) Reveal(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	mid := c.Param("mid")
	msg, found := ctrl.Message(mid)
	if !found {
		respond.Error(c, domain.ErrNotFound)
		return
	}

	opts := reveal.Options{
		Stagger:    h.reveal.Stagger,
		Tick:       h.reveal.Tick,
		Typewriter: h.reveal.Typewriter,
		Instant:    ctrl.Shown(mid),
	}
	if v, err := strconv.ParseBool(c.Query("typewriter")); err == nil {
		opts.Typewriter = v
	}
	if v, err := strconv.ParseBool(c.Query("instant")); err == nil && v {
		opts.Instant = true
	}

	chunks := reveal.Split(msg.Content, h.reveal.MinChunk)
	// sized to the whole plan so emit never blocks the scheduler
	steps := make(chan reveal.Step, len(reveal.Plan(chunks, opts)))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	handle := reveal.Start(c.Request.Context(), chunks, opts,
		func(s reveal.Step) { steps <- s },
		func() { ctrl.MarkShown(mid) },
	)
	defer handle.Cancel()

	c.SSEvent("start", gin.H{"message_id": mid, "chunks": len(chunks), "instant": opts.Instant})
	c.Stream(func(w io.Writer) bool {
		select {
		case s := <-steps:
			c.SSEvent("chunk", s)
			return true
		case <-handle.Done():
			for {
				select {
				case s := <-steps:
					c.SSEvent("chunk", s)
				default:
					if err := handle.Err(); err != nil {
						c.SSEvent("error", gin.H{"error": err.Error()})
						return false
					}
					c.SSEvent("done", gin.H{"message_id": mid})
					return false
				}
			}
		case <-c.Request.Context().Done():
			h.logger.Debug("Reveal stream closed by client", zap.String("message_id", mid))
			return false
		}
	})
}
