package websocket

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
)

// closeUnauthorized is the application close code sent when the upgrade
// carried a bad token. 4000-4999 is the private-use range.
const closeUnauthorized = 4401

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler upgrades HTTP requests into hub connections.
type Handler struct {
	hub    *Hub
	token  string
	logger *logger.Logger
}

// NewHandler creates the upgrade handler. An empty token disables
// authentication, matching the HTTP middleware.
func NewHandler(hub *Hub, authToken string, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		token:  authToken,
		logger: log.WithComponent("ws_handler"),
	}
}

// HandleConnection upgrades the request and runs the connection until it
// closes. Authentication happens after the upgrade so the client gets a
// proper close code instead of a bare HTTP error.
func (h *Handler) HandleConnection(c *gin.Context) {
	projectID := httpmw.ProjectID(c)
	token := httpmw.BearerToken(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	if h.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		h.logger.Warn("websocket auth failed",
			zap.String("remote_addr", c.Request.RemoteAddr))
		msg := gorillaws.FormatCloseMessage(closeUnauthorized, "Authentication failed")
		conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := NewClient(uuid.New().String(), projectID, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Debug("websocket connection established",
		zap.String("connection_id", client.id),
		zap.String("project_id", projectID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump()
}
