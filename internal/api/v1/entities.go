package v1

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowline/internal/pipelines"
	"flowline/internal/services"
)

func entityRef(c *gin.Context) (pipelines.EntityRef, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return pipelines.EntityRef{}, false
	}
	return pipelines.EntityRef{Kind: c.Param("kind"), ID: id}, true
}

func (h *APIHandlers) listEntities(c *gin.Context) {
	entities, err := h.repos.Entities.ListByKind(c.Param("kind"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities, "count": len(entities)})
}

type createEntityRequest struct {
	DisplayName string         `json:"display_name"`
	Attrs       map[string]any `json:"attrs"`
}

func (h *APIHandlers) createEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.DisplayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name is required"})
		return
	}

	attrs, err := json.Marshal(req.Attrs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attrs"})
		return
	}

	entity, err := h.repos.Entities.Create(c.Param("kind"), req.DisplayName, attrs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entity)
}

func (h *APIHandlers) getEntity(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	entity, err := h.repos.Entities.Get(ref.Kind, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *APIHandlers) updateEntityAttrs(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	var attrs map[string]any
	if err := c.ShouldBindJSON(&attrs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	encoded, err := json.Marshal(attrs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attrs"})
		return
	}
	if err := h.repos.Entities.UpdateAttrs(ref.Kind, ref.ID, encoded); err != nil {
		respondError(c, err)
		return
	}

	entity, err := h.repos.Entities.Get(ref.Kind, ref.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *APIHandlers) getEntityState(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	view, err := h.svc.Transitions.GetEntityState(c.Request.Context(), actorFrom(c), ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *APIHandlers) enterPipeline(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	view, err := h.svc.Transitions.EnterPipeline(c.Request.Context(), actorFrom(c), ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type executeTransitionRequest struct {
	TransitionID int64  `json:"transition_id"`
	Comment      string `json:"comment"`
}

func (h *APIHandlers) executeTransition(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	var req executeTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.TransitionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transition_id is required"})
		return
	}

	result, err := h.svc.Transitions.ExecuteTransition(c.Request.Context(), actorFrom(c), ref, services.ExecuteRequest{
		TransitionID: req.TransitionID,
		Comment:      req.Comment,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if errors.Is(err, services.ErrApprovalPending) {
		c.JSON(http.StatusAccepted, gin.H{
			"message":  "transition is awaiting approval",
			"approval": result.Approval,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) getTimeline(c *gin.Context) {
	ref, ok := entityRef(c)
	if !ok {
		return
	}
	page := queryInt64(c, "page", 1)
	perPage := queryInt64(c, "per_page", 20)

	timeline, err := h.svc.Transitions.GetTimeline(c.Request.Context(), ref, page, perPage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, timeline)
}
