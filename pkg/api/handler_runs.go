package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/callkaidsroofing/toolrunner/pkg/runs"
)

// handleGetRun handles GET /runs/:id: the run row plus the current state of
// every call it enqueued, so a caller that stopped waiting can come back for
// the outcome.
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.runs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, runs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	calls, err := s.calls.GetByIDs(c.Request.Context(), run.EnqueuedCallIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "calls": calls})
}
