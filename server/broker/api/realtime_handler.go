package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
)

// chatSocket authorises before upgrading so failures still get a JSON error.
func (h *Handler) chatSocket(c *gin.Context, actor domain.Actor) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		writeError(c, fmt.Errorf("%w: session_id is required", domain.ErrValidation))
		return
	}
	sub, err := h.messages.Subscribe(c.Request.Context(), actor, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.realtime.ServeChat(c, actor, sessionID, sub)
}

func (h *Handler) notificationSocket(c *gin.Context, actor domain.Actor) {
	h.realtime.ServeNotifications(c, h.notifications.Subscribe(actor))
}
