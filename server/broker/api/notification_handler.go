package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	"support_broker/server/common/transport/httpresp"
)

const sseKeepAlive = 20 * time.Second

func (h *Handler) listNotifications(c *gin.Context, actor domain.Actor) {
	items, err := h.notifications.List(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) notificationUnreadCount(c *gin.Context, actor domain.Actor) {
	count, err := h.unread.NotificationUnreadCount(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewCountResponse(count))
}

func (h *Handler) markNotificationRead(c *gin.Context, actor domain.Actor) {
	n, err := h.notifications.MarkRead(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) deleteNotification(c *gin.Context, actor domain.Actor) {
	if err := h.notifications.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) markAllInfoRead(c *gin.Context, actor domain.Actor) {
	marked, err := h.notifications.MarkAllInfoRead(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MarkedResponse{Marked: marked})
}

func (h *Handler) deleteAllRead(c *gin.Context, actor domain.Actor) {
	deleted, err := h.notifications.DeleteAllRead(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeletedResponse{Deleted: deleted})
}

func (h *Handler) broadcast(c *gin.Context, actor domain.Actor) {
	var req domain.BroadcastInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	result, err := h.notifications.Broadcast(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// streamNotifications is the Server-Sent Events flavour of the notification
// feed for clients that cannot hold a WebSocket.
func (h *Handler) streamNotifications(c *gin.Context, actor domain.Actor) {
	sub := h.notifications.Subscribe(actor)
	defer sub.Close()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event := <-sub.C():
			c.SSEvent(event.Type, event)
			return true
		case <-sub.Done():
			c.SSEvent("resubscribe", gin.H{"reason": sub.Err().Error()})
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
