package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/logging"
	"github.com/labrook/dino/internal/v1/ratelimit"
)

// Server upgrades HTTP requests to websocket clients and hands them to the
// hub. Authentication happens later, through the login verb, so the upgrade
// itself only needs a user id.
type Server struct {
	hub            *Hub
	handler        RequestHandler
	rateLimiter    *ratelimit.RateLimiter
	namespace      string
	allowedOrigins []string
	log            *zap.Logger
}

func NewServer(hub *Hub, handler RequestHandler, rateLimiter *ratelimit.RateLimiter, namespace string, allowedOrigins []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		hub:            hub,
		handler:        handler,
		rateLimiter:    rateLimiter,
		namespace:      namespace,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
}

// ServeWs handles GET /ws?user_id=<id>. It rate limits by IP and by user,
// validates the origin, upgrades the connection and starts the pumps.
func (s *Server) ServeWs(c *gin.Context) {
	if s.rateLimiter != nil && !s.rateLimiter.CheckWebSocket(c) {
		return
	}

	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id not provided"})
		return
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.CheckWebSocketUser(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
			return
		}
	}

	if err := validateOrigin(c.Request, s.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sid := uuid.New().String()
	client := newClient(conn, s.hub, s.handler, sid, userID, s.namespace, s.log)
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// validateOrigin checks the Origin header against the allowed list. Requests
// without an Origin header are allowed, they come from non-browser clients.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
