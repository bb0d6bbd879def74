package session

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/api/middleware"
	"github.com/liliang-cn/guideflow/internal/api/respond"
	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/service"
	"go.uber.org/zap"
)

// Handler serves the guided session API
type Handler struct {
	sessions  *service.SessionService
	amplifier *service.AmplifierService
	reveal    RevealConfig
	logger    *zap.Logger
}

// NewHandler creates a session handler
func NewHandler(sessions *service.SessionService, amplifier *service.AmplifierService, reveal RevealConfig, logger *zap.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		amplifier: amplifier,
		reveal:    reveal,
		logger:    logger,
	}
}

// RegisterRoutes registers session routes; r must carry the Workspace middleware
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Create)

	s := r.Group("/:id")
	{
		s.GET("", h.Get)
		s.DELETE("", h.Teardown)
		s.POST("/mount", h.Mount)
		s.POST("/name", h.SubmitName)
		s.POST("/ready", h.ConfirmReady)
		s.POST("/answers", h.SubmitAnswer)
		s.POST("/continue", h.Continue)
		s.POST("/reset", h.Reset)
		s.GET("/messages", h.Messages)
		s.GET("/messages/:mid/reveal", h.Reveal)
		s.GET("/export", h.Export)
		s.POST("/amplify/:kind", h.Amplify)
	}

	sections := s.Group("/sections/:n")
	{
		sections.GET("", h.GetSection)
		sections.POST("/generate", h.GenerateSection)
		sections.POST("/confirm", h.ConfirmSection)
		sections.POST("/questions/:rid/confirm", h.ConfirmQuestion)
		sections.PUT("/questions/:rid", h.EditAnswer)
		sections.POST("/questions/:rid/regenerate", h.RegenerateAnswer)
	}
}

// controller mounts the session named in the path
func (h *Handler) controller(c *gin.Context) (*service.Controller, bool) {
	ctrl, err := h.sessions.Mount(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return nil, false
	}
	return ctrl, true
}

func sectionNumber(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		respond.BadRequest(c, fmt.Errorf("section %q: %w", c.Param("n"), domain.ErrInvalidRequest))
		return 0, false
	}
	return n, true
}

// Create starts a session or returns the matching active one
func (h *Handler) Create(c *gin.Context) {
	var req domain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}

	ctrl, err := h.sessions.Create(c.Request.Context(), middleware.WorkspaceID(c), &req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, ctrl.View())
}

// Mount reconciles a session and returns its state
func (h *Handler) Mount(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.View())
}

// Get returns the state of a session
func (h *Handler) Get(c *gin.Context) {
	h.Mount(c)
}

// Teardown releases the session's controller and its pollers
func (h *Handler) Teardown(c *gin.Context) {
	h.sessions.Teardown(middleware.WorkspaceID(c), c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) SubmitName(c *gin.Context) {
	var req domain.SubmitNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.SubmitName(c.Request.Context(), req.Name)
	respond.Step(c, res, err)
}

func (h *Handler) ConfirmReady(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.ConfirmReady(c.Request.Context())
	respond.Step(c, res, err)
}

func (h *Handler) SubmitAnswer(c *gin.Context) {
	var req domain.SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.SubmitAnswer(c.Request.Context(), req.QuestionID, req.Answer)
	respond.Step(c, res, err)
}

func (h *Handler) Continue(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.Continue(c.Request.Context())
	respond.Step(c, res, err)
}

// Reset abandons the session and answers with the fresh one
func (h *Handler) Reset(c *gin.Context) {
	ctrl, err := h.sessions.Reset(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, ctrl.View())
}

func (h *Handler) GenerateSection(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.GenerateSection(c.Request.Context(), n)
	respond.Step(c, res, err)
}

// GetSection refreshes and returns a section
func (h *Handler) GetSection(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	sec, err := ctrl.RefreshSection(c.Request.Context(), n)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"section":   sec,
		"all_ready": sec.AllReady(),
		"polling":   ctrl.Polling(n),
	})
}

func (h *Handler) ConfirmQuestion(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.ConfirmQuestion(c.Request.Context(), n, c.Param("rid"))
	respond.Step(c, res, err)
}

func (h *Handler) EditAnswer(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	var req domain.EditAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.EditAnswer(c.Request.Context(), n, c.Param("rid"), req.Answer)
	respond.Step(c, res, err)
}

func (h *Handler) RegenerateAnswer(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.RegenerateAnswer(c.Request.Context(), n, c.Param("rid"))
	respond.Step(c, res, err)
}

func (h *Handler) ConfirmSection(c *gin.Context) {
	n, ok := sectionNumber(c)
	if !ok {
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := ctrl.ConfirmSection(c.Request.Context(), n)
	respond.Step(c, res, err)
}

// Messages returns the transcript
func (h *Handler) Messages(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": ctrl.View().Messages})
}

// Export streams the backend's artifact of a complete session
func (h *Handler) Export(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	body, contentType, err := ctrl.Export(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	defer func() { _ = body.Close() }()

	filename := fmt.Sprintf("%s-%s.pdf", ctrl.Flow().Name, ctrl.ID())
	c.DataFromReader(http.StatusOK, -1, contentType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
}

// Amplify renders marketing copy from a complete session
func (h *Handler) Amplify(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	res, err := h.amplifier.Generate(ctrl, service.AmplifierKind(c.Param("kind")))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
