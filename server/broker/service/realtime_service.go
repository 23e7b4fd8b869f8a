package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsPingInterval  = 25 * time.Second
	wsMaxFrameBytes = 16 * 1024
)

// originChecker allows every origin when the list is empty or contains "*".
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

type wsEnvelope struct {
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Message     string `json:"message,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	Error       string `json:"error,omitempty"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(payload)
}

func (c *wsConn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsConn) writeError(message string) {
	_ = c.writeJSON(wsEnvelope{Type: "error", Error: message})
}

type RealtimeService struct {
	chat     *MessageService
	upgrader websocket.Upgrader
}

type RealtimeOption func(*RealtimeService)

func WithAllowedOrigins(origins []string) RealtimeOption {
	return func(s *RealtimeService) { s.upgrader.CheckOrigin = originChecker(origins) }
}

func NewRealtimeService(chat *MessageService, opts ...RealtimeOption) *RealtimeService {
	s := &RealtimeService{
		chat: chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(nil),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeChat upgrades the request and streams the session topic. Clients may
// send {"type":"message"} frames which go through the same path as REST sends.
func (s *RealtimeService) ServeChat(c *gin.Context, actor domain.Actor, sessionID string, sub *Subscription) {
	s.serve(c, sub, func(ctx context.Context, ws *wsConn, env wsEnvelope) {
		if env.Type != "message" {
			ws.writeError("unsupported frame type")
			return
		}
		created, err := s.chat.Send(ctx, actor, SendInput{SessionID: sessionID, Text: env.Message, ClientMsgID: env.ClientMsgID})
		if err != nil {
			ws.writeError(err.Error())
			return
		}
		_ = ws.writeJSON(wsEnvelope{Type: "ack", ClientMsgID: env.ClientMsgID, Payload: created})
	})
}

// ServeNotifications streams the caller's personal topic. It accepts only pings.
func (s *RealtimeService) ServeNotifications(c *gin.Context, sub *Subscription) {
	s.serve(c, sub, func(_ context.Context, ws *wsConn, _ wsEnvelope) {
		ws.writeError("notification stream is read-only")
	})
}

func (s *RealtimeService) serve(c *gin.Context, sub *Subscription, onFrame func(context.Context, *wsConn, wsEnvelope)) {
	defer sub.Close()
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=realtime_ws action=upgrade status=failed topic=%s error=%v", sub.Topic(), err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameBytes)

	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go s.writeLoop(ctx, ws, sub)

	commonlog.Debugf("event=realtime_ws action=open topic=%s", sub.Topic())
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			commonlog.Debugf("event=realtime_ws action=close topic=%s reason=%v", sub.Topic(), err)
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			ws.writeError("invalid frame")
			continue
		}
		if env.Type == "ping" {
			_ = ws.writeJSON(wsEnvelope{Type: "pong"})
			continue
		}
		onFrame(ctx, ws, env)
	}
}

// writeLoop forwards hub events until the connection or subscription ends.
// A lagged subscription tells the client to resubscribe and re-fetch.
func (s *RealtimeService) writeLoop(ctx context.Context, ws *wsConn, sub *Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.C():
			if err := ws.writeJSON(event); err != nil {
				_ = ws.conn.Close()
				return
			}
		case <-sub.Done():
			reason := ""
			if err := sub.Err(); err != nil {
				reason = err.Error()
			}
			_ = ws.writeJSON(wsEnvelope{Type: "resubscribe", Error: reason})
			_ = ws.conn.Close()
			return
		case <-ticker.C:
			if err := ws.writePing(); err != nil {
				_ = ws.conn.Close()
				return
			}
		}
	}
}
