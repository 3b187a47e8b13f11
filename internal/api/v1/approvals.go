package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowline/internal/services"
)

func (h *APIHandlers) listPendingApprovals(c *gin.Context) {
	kind := c.Query("entity_kind")
	entityID := queryInt64(c, "entity_id", 0)

	approvals, err := h.repos.Approvals.ListPending(kind, entityID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals, "count": len(approvals)})
}

type approvalDecisionRequest struct {
	Reason string `json:"reason"`
}

func (h *APIHandlers) approveTransition(c *gin.Context) {
	var req approvalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.svc.Transitions.ApproveTransition(c.Request.Context(), actorFrom(c), c.Param("approval_id"), req.Reason)
	if errors.Is(err, services.ErrApprovalPending) {
		c.JSON(http.StatusConflict, gin.H{"error": "transition still requires approval"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) rejectTransition(c *gin.Context) {
	var req approvalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	approval, err := h.svc.Transitions.RejectTransition(actorFrom(c), c.Param("approval_id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}
