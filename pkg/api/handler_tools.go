package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
)

// toolSummary is the /tools projection of a contract: the caller-facing
// surface without the raw schemas.
type toolSummary struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Permissions []registry.Permission `json:"permissions"`
	Idempotency string                `json:"idempotency"`
	KeyField    string                `json:"key_field,omitempty"`
	TimeoutMS   int                   `json:"timeout_ms"`
}

// handleTools handles GET /tools: every registered contract, sorted by name.
func (s *Server) handleTools(c *gin.Context) {
	contracts := s.registry.All()
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Name < contracts[j].Name })

	tools := make([]toolSummary, 0, len(contracts))
	for _, contract := range contracts {
		tools = append(tools, toolSummary{
			Name:        contract.Name,
			Description: contract.Description,
			Permissions: contract.Permissions,
			Idempotency: string(contract.Idempotency.Mode),
			KeyField:    contract.Idempotency.KeyField,
			TimeoutMS:   contract.TimeoutMS,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"catalog_version": s.registry.Version(),
		"tools":           tools,
	})
}

// handleReceipts handles GET /receipts, the audit listing over
// Receipts.ListRecent. Filters: tool_name, status, limit.
func (s *Server) handleReceipts(c *gin.Context) {
	filters := receipts.Filters{
		ToolName: c.Query("tool_name"),
		Status:   receipts.Status(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filters.Limit = limit
	}

	list, err := s.receipts.ListRecent(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": list, "count": len(list)})
}
