package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/domain"
)

// WorkspaceHeader carries the caller's workspace id
const WorkspaceHeader = "X-Workspace-ID"

const workspaceKey = "workspace_id"

// Workspace requires the workspace header and stores it on the context
func Workspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := strings.TrimSpace(c.GetHeader(WorkspaceHeader))
		if ws == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":     domain.ErrMissingIdentifiers.Error(),
				"retryable": false,
			})
			return
		}
		c.Set(workspaceKey, ws)
		c.Next()
	}
}

// WorkspaceID returns the workspace set by Workspace
func WorkspaceID(c *gin.Context) string {
	return c.GetString(workspaceKey)
}
