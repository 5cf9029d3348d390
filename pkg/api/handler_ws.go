package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// websocketHandler handles GET /ws: upgrades the connection and hands it to
// the push connection manager, which owns it until close.
func (s *Server) websocketHandler(c *gin.Context) {
	if s.connMgr == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Kind: "unavailable", Message: "push layer is disabled"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	s.connMgr.HandleConnection(c.Request.Context(), conn)
}
