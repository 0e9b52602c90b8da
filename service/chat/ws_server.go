package chat

import (
	"net/http"

	midsec "ShiftChat/middleware/security"
	"ShiftChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS upgrades an authenticated request and serves the connection until
// it closes. Identity comes from the auth middleware and is bound once.
func (s *Server) HandleWS(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	if !s.enter() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader 已经写回错误响应
		s.log.Info("upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}
	s.Serve(userID, ws)
}

// Serve runs one connection: register, greet, pump, unregister.
func (s *Server) Serve(userID string, ws *websocket.Conn) {
	conn := newConn(ws, s.conf())
	key := s.reg.Register(userID, conn)
	log := s.log.With(zap.String("user", userID), zap.String("key", key))
	if s.shuttingDown() {
		// 注册晚于 Shutdown 的 CloseAll，自己关掉
		s.reg.Unregister(key)
		conn.Close(websocket.CloseGoingAway, "server shutdown")
		_ = ws.Close()
		log.Info("rejected during shutdown")
		return
	}
	log.Info("connected", zap.Stringer("remote", conn.remote), zap.Int("total", s.reg.Count()))

	conn.Push(ConnectionFrame(conn, s.clock()))

	safe.SafeGo("chat.write."+key, func() { conn.writePump(log) })

	conn.readPump(log, func(data []byte) {
		defer safe.Recover("chat.frame." + key)
		s.router.HandleFrame(conn.Context(), conn, data)
	})

	// ---- 退出阶段：先摘索引再关连接，之后的投递都不会再选中它 ----
	s.reg.Unregister(key)
	conn.Close(websocket.CloseNormalClosure, "")
	log.Info("disconnected", zap.Int("total", s.reg.Count()))
}
