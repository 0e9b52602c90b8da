package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

var authHandler atomic.Value // gin.HandlerFunc

// SetAuth 启动时注入 JWT 中间件（middleware/security.Middleware）
func SetAuth(h gin.HandlerFunc) {
	authHandler.Store(h)
}

func chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if !opt.IsAuth {
		return []gin.HandlerFunc{handler}
	}
	h, _ := authHandler.Load().(gin.HandlerFunc)
	if h == nil {
		panic("middleware: route requires auth but SetAuth was not called")
	}
	return []gin.HandlerFunc{h, handler}
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, chain(handler, opt)...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, chain(handler, opt)...)
}
