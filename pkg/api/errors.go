package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/durable-research/pkg/core"
)

var statusByError = []struct {
	err    error
	status int
}{
	{core.ErrJobNotFound, http.StatusNotFound},
	{core.ErrTaskNotFound, http.StatusNotFound},
	{core.ErrNotClarification, http.StatusNotFound},
	{core.ErrNoAutomation, http.StatusUnprocessableEntity},
	{core.ErrQuotaExceeded, http.StatusTooManyRequests},
	{core.ErrCannotCancel, http.StatusConflict},
	{core.ErrAlreadyAnswered, http.StatusConflict},
	{core.ErrDuplicateRun, http.StatusConflict},
	{core.ErrInvalidCallback, http.StatusBadRequest},
}

// statusOf maps a service error to its HTTP status.
func statusOf(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
