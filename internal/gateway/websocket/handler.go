package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

// Handler upgrades GET /ws requests into hub clients.
type Handler struct {
	hub      *Hub
	upgrader gorillaws.Upgrader
	origins  map[string]bool
	logger   *logger.Logger
}

// NewHandler creates a gateway handler. With no allowed origins every origin
// is accepted, which suits a UI served from a file or a local dev server.
func NewHandler(hub *Hub, log *logger.Logger, allowedOrigins ...string) *Handler {
	h := &Handler{
		hub:     hub,
		origins: make(map[string]bool, len(allowedOrigins)),
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
	for _, o := range allowedOrigins {
		h.origins[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	h.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin.
		return true
	}
	return h.origins[strings.TrimRight(strings.ToLower(origin), "/")]
}

// RegisterRoutes mounts GET /ws.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection serves one client until it disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade rejected",
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.logger.Debug("websocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}
