package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	"support_broker/server/common/transport/httpresp"
)

func (h *Handler) startSelfSession(c *gin.Context, actor domain.Actor) {
	session, err := h.sessions.GetOrCreateSelfSession(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) getMySession(c *gin.Context, actor domain.Actor) {
	session, err := h.sessions.ListForUser(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSessionResponse(session))
}

func (h *Handler) listOperatorSessions(c *gin.Context, actor domain.Actor) {
	items, err := h.sessions.ListForOperator(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) listAssignedSessions(c *gin.Context, actor domain.Actor) {
	items, err := h.sessions.ListAssigned(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) startOperatorSession(c *gin.Context, actor domain.Actor) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	session, err := h.sessions.StartOperatorInitiatedSession(c.Request.Context(), actor, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) claimSession(c *gin.Context, actor domain.Actor) {
	session, err := h.sessions.Claim(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) transferSession(c *gin.Context, actor domain.Actor) {
	var req struct {
		FromAdminID string `json:"from_admin_id"`
		ToAdminID   string `json:"to_admin_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	session, err := h.sessions.Transfer(c.Request.Context(), actor, c.Param("id"), req.FromAdminID, req.ToAdminID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) closeSession(c *gin.Context, actor domain.Actor) {
	session, err := h.sessions.Close(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
