package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *APIHandlers) stateSummary(c *gin.Context) {
	pipelineID := queryInt64(c, "pipeline_id", 0)
	entityKind := c.Query("entity_kind")

	summary, err := h.svc.Dashboard.StateSummary(pipelineID, entityKind)
	if err != nil {
		respondError(c, err)
		return
	}

	var total int64
	for _, row := range summary {
		total += row.Count
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "total": total})
}

func (h *APIHandlers) staleEntities(c *gin.Context) {
	pipelineID := queryInt64(c, "pipeline_id", 0)
	entityKind := c.Query("entity_kind")
	staleDays := int(queryInt64(c, "stale_days", 0))

	stale, err := h.svc.Dashboard.StaleEntities(pipelineID, entityKind, staleDays)
	if err != nil {
		respondError(c, err)
		return
	}

	days := staleDays
	if days <= 0 {
		days = h.svc.Dashboard.StaleDays()
	}
	c.JSON(http.StatusOK, gin.H{"stale": stale, "count": len(stale), "stale_days": days})
}
