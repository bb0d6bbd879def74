// Package respond maps service results and errors onto HTTP responses.
package respond

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/liliang-cn/guideflow/internal/service"
)

// ErrorBody is the JSON shape of every failed request
type ErrorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Status picks the HTTP status for err
func Status(err error) int {
	switch {
	case errors.Is(err, domain.ErrMissingIdentifiers), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotComplete),
		errors.Is(err, remote.ErrAlreadyDone):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case remote.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error aborts the request with err
func Error(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(Status(err), ErrorBody{
		Error:     err.Error(),
		Retryable: remote.IsTransient(err) || errors.Is(err, domain.ErrRateLimited),
	})
}

// BadRequest aborts with a binding or parsing failure
func BadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
}

type stepBody struct {
	*service.StepResult
	Warning string `json:"warning,omitempty"`
}

// Step writes the state after a transition. A deferred backend failure still
// answers 200 with the advanced state and a warning.
func Step(c *gin.Context, res *service.StepResult, err error) {
	if err != nil && !service.IsDeferred(err) {
		Error(c, err)
		return
	}
	body := stepBody{StepResult: res}
	if err != nil {
		_ = c.Error(err)
		body.Warning = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
