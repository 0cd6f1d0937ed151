package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/callkaidsroofing/toolrunner/pkg/database"
	"github.com/callkaidsroofing/toolrunner/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// integrationEnv maps each optional external integration to the environment
// variable its credential lives in. /health reports configured-vs-missing
// so operators can see at a glance why a tool keeps landing in
// not_configured.
var integrationEnv = map[string]string{
	"sms": "SMS_PROVIDER_API_KEY",
}

// handleHealth handles GET /health. Only the substrate's own components
// (database, worker pool, sweeper) decide liveness; missing external
// integrations are reported but never make the process unhealthy — a tool
// that would need them terminates not_configured instead.
func (s *Server) handleHealth(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	body := gin.H{
		"version":         version.Full(),
		"catalog_version": s.registry.Version(),
	}

	dbHealth, err := database.Health(reqCtx, s.db)
	body["database"] = dbHealth
	if err != nil {
		status = healthStatusUnhealthy
	}

	if s.pool != nil {
		body["worker_pool"] = s.pool.Health()
	}
	if s.sweep != nil {
		body["sweeper"] = s.sweep.Health()
	}

	integrations := gin.H{}
	for name, envVar := range integrationEnv {
		state := "missing"
		if os.Getenv(envVar) != "" {
			state = "configured"
		}
		integrations[name] = gin.H{"status": state, "env": envVar}
	}
	body["integrations"] = integrations
	body["status"] = status

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, body)
}
