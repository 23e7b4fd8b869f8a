package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	"support_broker/server/broker/service"
	commonauth "support_broker/server/common/auth"
	"support_broker/server/common/middleware"
	"support_broker/server/common/transport/httpresp"
)

const readinessTimeout = 3 * time.Second

type ReadinessCheck func(ctx context.Context) error

type Services struct {
	Sessions      *service.SessionService
	Messages      *service.MessageService
	Presence      *service.PresenceService
	Notifications *service.NotificationService
	Unread        *service.UnreadService
	Realtime      *service.RealtimeService
}

type Handler struct {
	sessions      *service.SessionService
	messages      *service.MessageService
	presence      *service.PresenceService
	notifications *service.NotificationService
	unread        *service.UnreadService
	realtime      *service.RealtimeService
	auth          *commonauth.Service
	checks        map[string]ReadinessCheck
}

func NewHandler(svc Services, auth *commonauth.Service, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		sessions:      svc.Sessions,
		messages:      svc.Messages,
		presence:      svc.Presence,
		notifications: svc.Notifications,
		unread:        svc.Unread,
		realtime:      svc.Realtime,
		auth:          auth,
		checks:        checks,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/health/live", h.health)
	r.GET("/health/ready", h.ready)

	ws := r.Group("/ws")
	ws.Use(middleware.AuthRequired(h.auth))
	{
		ws.GET("/chat", withActor(h.chatSocket))
		ws.GET("/notifications", withActor(h.notificationSocket))
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/chat/session", withActor(h.startSelfSession))
		api.GET("/chat/session", withActor(h.getMySession))
		api.GET("/chat/sessions/:id/messages", withActor(h.listMessages))
		api.POST("/chat/sessions/:id/messages", withActor(h.sendMessage))
		api.POST("/chat/sessions/:id/read", withActor(h.markSessionRead))
		api.GET("/chat/sessions/:id/unread-count", withActor(h.sessionUnreadCount))

		api.GET("/notifications", withActor(h.listNotifications))
		api.GET("/notifications/unread-count", withActor(h.notificationUnreadCount))
		api.GET("/notifications/stream", withActor(h.streamNotifications))
		api.POST("/notifications/read-info", withActor(h.markAllInfoRead))
		api.DELETE("/notifications/read", withActor(h.deleteAllRead))
		api.POST("/notifications/:id/read", withActor(h.markNotificationRead))
		api.DELETE("/notifications/:id", withActor(h.deleteNotification))

		operator := api.Group("/operator")
		operator.Use(middleware.RequireRoles(string(domain.RoleAdmin)))
		{
			operator.GET("/sessions", withActor(h.listOperatorSessions))
			operator.GET("/sessions/assigned", withActor(h.listAssignedSessions))
			operator.POST("/sessions", withActor(h.startOperatorSession))
			operator.POST("/sessions/:id/claim", withActor(h.claimSession))
			operator.POST("/sessions/:id/transfer", withActor(h.transferSession))
			operator.POST("/sessions/:id/close", withActor(h.closeSession))

			operator.GET("/presence", withActor(h.listPresence))
			operator.GET("/presence/me", withActor(h.getPresence))
			operator.POST("/presence/toggle", withActor(h.togglePresence))
			operator.POST("/presence/heartbeat", withActor(h.heartbeat))

			operator.POST("/notifications", withActor(h.broadcast))
		}
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, NewHealthResponse("ok", nil))
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, NewHealthResponse("degraded", failures))
		return
	}
	c.JSON(http.StatusOK, NewHealthResponse("ok", nil))
}

func actorFromContext(c *gin.Context) (domain.Actor, error) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		return domain.Actor{}, errors.New(httpresp.ErrUnauthorized)
	}
	return domain.Actor{UserID: userID, Role: domain.Role(c.GetString(middleware.ContextRole))}, nil
}

// withActor resolves the caller or aborts with 401.
func withActor(next func(c *gin.Context, actor domain.Actor)) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := actorFromContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(err.Error()))
			return
		}
		next(c, actor)
	}
}
