// HTTP upgrade entry point for the relay/client duplex connection (spec
// §4.3 handshake steps 1-3), grounded on
// apps/backend/internal/gateway/websocket/handler.go's gin upgrade handler
// shape.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/pkg/protocol"
)

var duplexUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DuplexHandler upgrades HTTP to the relay/client duplex WebSocket and runs
// the connection until it closes.
func (g *Gateway) DuplexHandler(c *gin.Context) {
	token := protocol.BearerToken(c.Request)
	scope, err := g.authenticate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	params := protocol.ParseSubscribeParams(c.Request)
	if params.RelayID != "" && scope != "relay" {
		c.JSON(http.StatusForbidden, gin.H{"error": "relay_id subscription requires a relay-scoped token"})
		return
	}

	conn, err := duplexUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("duplex upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	client := newClient(id, conn, g, params, g.logger)

	cursor := params.Cursor
	if cursor == 0 {
		if latest, err := g.bus.LatestCursor(c.Request.Context()); err == nil {
			cursor = latest
		}
	}

	client.serve(c.Request.Context(), cursor)
}

// RegisterRoutes wires the gateway's HTTP surface onto an existing gin
// engine.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws/relay", g.DuplexHandler)
	r.GET("/ws/agent-stream/:agent_id", g.AgentStreamHandler)
}
