package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	"support_broker/server/common/transport/httpresp"
)

func (h *Handler) listPresence(c *gin.Context, actor domain.Actor) {
	items, err := h.presence.List(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) getPresence(c *gin.Context, actor domain.Actor) {
	status, err := h.presence.Get(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) togglePresence(c *gin.Context, actor domain.Actor) {
	status, err := h.presence.Toggle(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) heartbeat(c *gin.Context, actor domain.Actor) {
	status, err := h.presence.Heartbeat(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
