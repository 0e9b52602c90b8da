package middleware

import (
	"net/http"
	"sync/atomic"
	"time"

	"ShiftChat/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Guards is a replaceable list of checks mounted as one handler, so a config
// reload can swap them without rebuilding the router. A guard rejects by
// aborting; guards must not call c.Next.
type Guards struct {
	list atomic.Pointer[[]gin.HandlerFunc]
}

func NewGuards(hs ...gin.HandlerFunc) *Guards {
	g := &Guards{}
	g.Set(hs...)
	return g
}

// Set replaces the guard list; requests already inside Handler keep the old one.
func (g *Guards) Set(hs ...gin.HandlerFunc) {
	cp := append([]gin.HandlerFunc(nil), hs...)
	g.list.Store(&cp)
}

func (g *Guards) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range *g.list.Load() {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}

// RequestLog 访问日志；/healthz 不打。长连接在断开时才记录
func RequestLog() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}

// Recovery panic 转 500 并记录堆栈
func Recovery() gin.HandlerFunc {
	log := logger.Named("http")
	return gin.CustomRecovery(func(c *gin.Context, r any) {
		log.Error("handler panic", zap.Any("panic", r), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
