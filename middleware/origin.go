package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// CheckOrigin 生成 websocket.Upgrader.CheckOrigin；allowed 为空时全部放行。
// 没有 Origin 头的请求（非浏览器客户端）放行。
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimRight(a, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Origin 同样的校验用于 SSE 等非 upgrade 的实时接口；可作为 Guards 使用
func Origin(allowed []string) gin.HandlerFunc {
	check := CheckOrigin(allowed)
	return func(c *gin.Context) {
		if !check(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}
