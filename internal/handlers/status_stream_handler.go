package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ciflow/internal/services"
	"ciflow/pkg/jwt"
	"ciflow/pkg/logger"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 60 * time.Second
	streamPongWait     = 300 * time.Second
)

// StatusStreamHandler pushes repository status transitions over a websocket
type StatusStreamHandler struct {
	upgrader   websocket.Upgrader
	jwtManager *jwt.JWTManager
	events     *services.StatusEvents
	log        *logrus.Entry
}

// NewStatusStreamHandler creates the handler. Origins follow the CORS allow list.
func NewStatusStreamHandler(jwtManager *jwt.JWTManager, events *services.StatusEvents, allowedOrigins []string) *StatusStreamHandler {
	log := logger.WithComponent("status_stream")
	return &StatusStreamHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				log.Warnf("Rejected websocket origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 32,
		},
		jwtManager: jwtManager,
		events:     events,
		log:        log,
	}
}

// Stream GET /api/v1/repos/events?token=...
// Browsers cannot set headers on a websocket handshake, so the token comes from the query.
func (h *StatusStreamHandler) Stream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "missing token")
		return
	}
	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.events.Stream(ctx, claims.UserID)
	if err != nil {
		h.log.WithError(err).Error("Failed to subscribe to status events")
		response.ServerError(c, "status stream unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	h.log.WithField("user_id", claims.UserID).Info("Status stream connected")

	go h.readPump(conn, cancel)

	pingTicker := time.NewTicker(streamPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.log.WithError(err).Warn("Failed to write status event")
				return
			}
		}
	}
}

// readPump drains client frames so pongs are processed; it ends the stream on close.
func (h *StatusStreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("Status stream closed unexpectedly")
			}
			return
		}
	}
}

// matchOrigin supports exact origins and "*.example.com" wildcards
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}
	if !strings.HasPrefix(allowed, "*.") {
		return false
	}

	domain := allowed[2:]
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
