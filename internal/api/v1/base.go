package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"flowline/internal/db/repositories"
	"flowline/internal/notifications"
	"flowline/internal/pipelines"
	"flowline/internal/services"
)

// Services bundles the engine services the handlers delegate to.
type Services struct {
	Pipelines   *services.PipelineService
	Transitions *services.TransitionService
	Dashboard   *services.DashboardService
	Audit       *notifications.AuditService
}

type APIHandlers struct {
	repos         *repositories.Repositories
	svc           Services
	localMode     bool
	adminUsername string
}

func NewAPIHandlers(repos *repositories.Repositories, svc Services, localMode bool, adminUsername string) *APIHandlers {
	return &APIHandlers{
		repos:         repos,
		svc:           svc,
		localMode:     localMode,
		adminUsername: adminUsername,
	}
}

// RegisterRoutes registers all v1 API routes.
func (h *APIHandlers) RegisterRoutes(router *gin.RouterGroup) {
	router.Use(h.resolveActor())

	pipelineGroup := router.Group("/pipelines")
	pipelineGroup.GET("", h.listPipelines)
	pipelineGroup.POST("", h.createPipeline)
	pipelineGroup.POST("/import", h.importPipeline)
	pipelineGroup.GET("/:id", h.getPipeline)
	pipelineGroup.PUT("/:id", h.updatePipeline)
	pipelineGroup.DELETE("/:id", h.deletePipeline)
	pipelineGroup.POST("/:id/states", h.addState)
	pipelineGroup.POST("/:id/transitions", h.addTransition)

	stateGroup := router.Group("/states")
	stateGroup.PUT("/:id", h.updateState)
	stateGroup.DELETE("/:id", h.deleteState)

	transitionGroup := router.Group("/transitions")
	transitionGroup.PUT("/:id", h.updateTransition)
	transitionGroup.DELETE("/:id", h.deleteTransition)

	entityGroup := router.Group("/entities/:kind")
	entityGroup.GET("", h.listEntities)
	entityGroup.POST("", h.createEntity)
	entityGroup.GET("/:id", h.getEntity)
	entityGroup.PUT("/:id/attrs", h.updateEntityAttrs)
	entityGroup.GET("/:id/state", h.getEntityState)
	entityGroup.POST("/:id/enter", h.enterPipeline)
	entityGroup.POST("/:id/transitions", h.executeTransition)
	entityGroup.GET("/:id/timeline", h.getTimeline)

	approvalGroup := router.Group("/approvals")
	approvalGroup.GET("", h.listPendingApprovals)
	approvalGroup.POST("/:approval_id/approve", h.approveTransition)
	approvalGroup.POST("/:approval_id/reject", h.rejectTransition)

	dashboardGroup := router.Group("/dashboard")
	dashboardGroup.GET("/summary", h.stateSummary)
	dashboardGroup.GET("/stale", h.staleEntities)

	userGroup := router.Group("/users")
	userGroup.GET("", h.listUsers)
	userGroup.POST("", h.createUser)

	router.GET("/notifications", h.listNotifications)
}

// resolveActor turns the X-User-ID header into an Actor for the services. In
// local mode requests without the header run as a synthetic admin.
func (h *APIHandlers) resolveActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("X-User-ID")
		if header == "" {
			if h.localMode {
				// The admin row is seeded at startup; audit rows reference it.
				admin, err := h.repos.Users.GetByUsername(h.adminUsername)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "admin user is not provisioned"})
					c.Abort()
					return
				}
				c.Set("actor", pipelines.NewActor(admin.ID, admin.Username, true, admin.Permissions))
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			c.Abort()
			return
		}

		userID, err := strconv.ParseInt(header, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID must be a numeric user id"})
			c.Abort()
			return
		}

		user, err := h.repos.Users.GetByID(userID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			c.Abort()
			return
		}

		c.Set("actor", pipelines.NewActor(user.ID, user.Username, user.IsAdmin, user.Permissions))
		c.Next()
	}
}

func actorFrom(c *gin.Context) pipelines.Actor {
	if value, ok := c.Get("actor"); ok {
		if actor, ok := value.(pipelines.Actor); ok {
			return actor
		}
	}
	return pipelines.Actor{}
}

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var notAllowed *services.NotAllowedError
	if errors.As(err, &notAllowed) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "transition not allowed",
			"reasons": notAllowed.Reasons,
		})
		return
	}

	var actionErr *services.ActionError
	if errors.As(err, &actionErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":           "transition aborted: action failed",
			"action_type":     actionErr.ActionType,
			"execution_order": actionErr.Order,
			"detail":          actionErr.Err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrTransitionNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrCommentRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDefinitionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrActionExecutionFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, pipelines.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be numeric"})
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string, fallback int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}
