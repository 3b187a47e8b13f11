package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *APIHandlers) listUsers(c *gin.Context) {
	users, err := h.repos.Users.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

type createUserRequest struct {
	Username    string   `json:"username"`
	IsAdmin     bool     `json:"is_admin"`
	Permissions []string `json:"permissions"`
}

func (h *APIHandlers) createUser(c *gin.Context) {
	actor := actorFrom(c)
	if !actor.IsAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin privileges required"})
		return
	}

	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	user, err := h.repos.Users.Create(req.Username, req.IsAdmin, req.Permissions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *APIHandlers) listNotifications(c *gin.Context) {
	if h.svc.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []any{}, "count": 0})
		return
	}

	limit := int(queryInt64(c, "limit", 50))
	logs, err := h.svc.Audit.ListRecent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": logs, "count": len(logs)})
}
