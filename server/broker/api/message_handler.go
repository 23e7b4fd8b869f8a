package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	"support_broker/server/broker/service"
	commonlog "support_broker/server/common/log"
	"support_broker/server/common/transport/httpresp"
)

// listMessages returns the full history. An operator viewing it marks the
// user's messages read up to the last one returned.
func (h *Handler) listMessages(c *gin.Context, actor domain.Actor) {
	sessionID := c.Param("id")
	items, err := h.messages.History(c.Request.Context(), actor, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if actor.IsOperator() && len(items) > 0 {
		last := items[len(items)-1]
		if _, err := h.unread.MarkSessionRead(c.Request.Context(), actor, sessionID, last.ID); err != nil {
			commonlog.Warnf("event=chat_history action=mark_read status=failed session_id=%s admin_id=%s error=%v", sessionID, actor.UserID, err)
		}
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) sendMessage(c *gin.Context, actor domain.Actor) {
	var req struct {
		Message     string `json:"message"`
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), actor, service.SendInput{
		SessionID:   c.Param("id"),
		Text:        req.Message,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markSessionRead(c *gin.Context, actor domain.Actor) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
	}
	marked, err := h.unread.MarkSessionRead(c.Request.Context(), actor, c.Param("id"), req.MessageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MarkedResponse{Marked: marked})
}

func (h *Handler) sessionUnreadCount(c *gin.Context, actor domain.Actor) {
	count, err := h.unread.SessionUnreadCount(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewCountResponse(count))
}
