package handler

import (
	"net/http"
	"strconv"

	"github.com/docflow/custody/middleware"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
)

type NotificationHandler struct {
	feed service.NotificationFeed
}

// NewNotificationHandler serves the caller's notification feed. feed may be
// nil when notifications are only logged.
func NewNotificationHandler(feed service.NotificationFeed) *NotificationHandler {
	return &NotificationHandler{feed: feed}
}

// List returns the caller's newest notifications
func (h *NotificationHandler) List(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []service.Notification{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	notes, err := h.feed.Recent(c.Request.Context(), middleware.GetActor(c).UserID, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Notifications unavailable", "code": "StorageUnavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}
