package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/api/middleware"
	"github.com/liliang-cn/guideflow/internal/api/respond"
	"github.com/liliang-cn/guideflow/internal/service"
)

// Handler handles admin API requests
type Handler struct {
	sessions  *service.SessionService
	amplifier *service.AmplifierService
}

// NewHandler creates a new admin handler
func NewHandler(sessions *service.SessionService, amplifier *service.AmplifierService) *Handler {
	return &Handler{
		sessions:  sessions,
		amplifier: amplifier,
	}
}

// RegisterRoutes registers admin routes; r must carry the Workspace middleware
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.GetStats)
	r.GET("/sessions", h.ListSessions)

	snapshots := r.Group("/snapshots")
	{
		snapshots.GET("", h.ListSnapshots)
		snapshots.DELETE("/:id", h.ClearSnapshot)
	}
}

// RegisterPublicRoutes registers routes that need no workspace
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/flows", h.ListFlows)
	r.GET("/amplifiers", h.ListAmplifiers)
}

func (h *Handler) ListFlows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": h.sessions.Flows().List()})
}

func (h *Handler) ListAmplifiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": h.amplifier.Kinds()})
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.sessions.Stats(c.Request.Context(), middleware.WorkspaceID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	sessions, err := h.sessions.List(c.Request.Context(), middleware.WorkspaceID(c), limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) ListSnapshots(c *gin.Context) {
	keys, err := h.sessions.Snapshots(c.Request.Context(), middleware.WorkspaceID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.SessionID)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (h *Handler) ClearSnapshot(c *gin.Context) {
	if err := h.sessions.ClearSnapshot(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id")); err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "snapshot cleared"})
}
