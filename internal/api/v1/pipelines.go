package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"flowline/internal/pipelines"
	"flowline/internal/services"
)

func (h *APIHandlers) listPipelines(c *gin.Context) {
	list, err := h.svc.Pipelines.ListPipelines()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": list, "count": len(list)})
}

func (h *APIHandlers) createPipeline(c *gin.Context) {
	var input services.CreatePipelineInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	pipeline, err := h.svc.Pipelines.CreatePipeline(actorFrom(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pipeline)
}

func (h *APIHandlers) getPipeline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.svc.Pipelines.GetPipeline(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *APIHandlers) updatePipeline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input services.UpdatePipelineInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	pipeline, err := h.svc.Pipelines.UpdatePipeline(actorFrom(c), id, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipeline)
}

func (h *APIHandlers) deletePipeline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Pipelines.DeletePipeline(actorFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "pipeline deleted"})
}

func (h *APIHandlers) importPipeline(c *gin.Context) {
	var def pipelines.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition: " + err.Error()})
		return
	}

	result, err := h.svc.Pipelines.ImportDefinition(actorFrom(c), &def)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (h *APIHandlers) addState(c *gin.Context) {
	pipelineID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input services.StateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	state, err := h.svc.Pipelines.AddState(actorFrom(c), pipelineID, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *APIHandlers) updateState(c *gin.Context) {
	stateID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input services.StateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	state, err := h.svc.Pipelines.UpdateState(actorFrom(c), stateID, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *APIHandlers) deleteState(c *gin.Context) {
	stateID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Pipelines.DeleteState(actorFrom(c), stateID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "state deleted"})
}

func (h *APIHandlers) addTransition(c *gin.Context) {
	pipelineID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input services.TransitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	detail, err := h.svc.Pipelines.AddTransition(actorFrom(c), pipelineID, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func (h *APIHandlers) updateTransition(c *gin.Context) {
	transitionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input services.TransitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	detail, err := h.svc.Pipelines.UpdateTransition(actorFrom(c), transitionID, input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *APIHandlers) deleteTransition(c *gin.Context) {
	transitionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Pipelines.DeleteTransition(actorFrom(c), transitionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transition deleted"})
}
