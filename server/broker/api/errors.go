package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
	"support_broker/server/common/transport/httpresp"
)

const (
	codeConversationEnded = "conversation_ended"
	hintStartNewSession   = "POST /api/v1/chat/session to start a new conversation"
)

// statusFor maps domain errors to HTTP. Order matters: ErrSessionClosed wraps
// ErrInvalidTransition and ErrDuplicate wraps ErrConflict.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusGone:
		c.JSON(status, httpresp.NewCodedErrorResponse(err.Error(), codeConversationEnded, hintStartNewSession))
	case http.StatusInternalServerError:
		commonlog.Errorf("event=http_request action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, httpresp.NewErrorResponse("internal error"))
	default:
		c.JSON(status, httpresp.NewErrorResponse(err.Error()))
	}
}
