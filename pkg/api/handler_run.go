package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/callkaidsroofing/toolrunner/pkg/planner"
)

// runRequest is the POST /run body. Mode defaults to
// enqueue_and_wait, the mode interactive callers want.
type runRequest struct {
	Message string         `json:"message" binding:"required"`
	Mode    planner.Mode   `json:"mode"`
	Context map[string]any `json:"context"`
	Limits  planner.Limits `json:"limits"`
}

var validModes = map[planner.Mode]bool{
	planner.ModeAnswer:         true,
	planner.ModePlan:           true,
	planner.ModeEnqueue:        true,
	planner.ModeEnqueueAndWait: true,
}

// handleRun handles POST /run: compile the request, enqueue per mode, and
// return the planner's structured response. 400 for a malformed body, 500
// only for infra-level failures (a run row that cannot be persisted) —
// planner-level rejections like no_matching_rule still return 200 with
// ok=false and the error in errors[], so every request receives a
// terminal, self-describing response.
func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = planner.ModeEnqueueAndWait
	}
	if !validModes[req.Mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be one of answer, plan, enqueue, enqueue_and_wait"})
		return
	}

	resp, err := s.coordinator.Handle(c.Request.Context(), planner.Request{
		Message: req.Message,
		Mode:    req.Mode,
		Context: req.Context,
		Limits:  req.Limits,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
