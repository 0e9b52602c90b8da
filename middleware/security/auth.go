package security

import (
	"net/http"
	"strings"

	"ShiftChat/global"
	"ShiftChat/tools/errs"
	jwtsec "ShiftChat/tools/security"

	"github.com/gin-gonic/gin"
)

// context key
// 后续模块统一用这俩 key 读取
const (
	CtxUserIDKey = "userID" // string, JWT sub
	CtxTokenKey  = "authorization"
	CtxRoleKey   = "role" // owner | worker | service，可能为空
)

type Options struct {
	JWT jwtsec.Options

	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// 浏览器 WebSocket / EventSource 不能自定义 header，允许 ?token=
	QueryParam string // 默认 "token"，空字符串关闭
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:                       jwtsec.DefaultOptions(secret),
		HeaderToken:               CtxTokenKey,
		EnableAuthorizationBearer: true,
		QueryParam:                "token",
	}
}

// Middleware 校验 JWT，把 sub 写入 gin context；失败直接 401，不会进入 upgrade。
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(nil)
	}
	return func(c *gin.Context) {
		token := extractToken(c, opts)
		if token == "" {
			abort(c, "missing token")
			return
		}

		claims, err := jwtsec.Verify(opts.JWT, token)
		if err != nil {
			abort(c, err.Error())
			return
		}

		c.Set(CtxTokenKey, token)
		c.Set(CtxUserIDKey, claims.Subject)
		c.Set(CtxRoleKey, claims.Role)
		c.Next()
	}
}

// UserID 读取已认证的身份；未经过 Middleware 时返回 false
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Role 返回 token 中的 role claim
func Role(c *gin.Context) string {
	return c.GetString(CtxRoleKey)
}

func extractToken(c *gin.Context, opts *Options) string {
	if opts.HeaderToken != "" {
		if t := strings.TrimSpace(c.GetHeader(opts.HeaderToken)); t != "" && !hasBearer(t) {
			return t
		}
	}
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); hasBearer(authz) {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	if opts.QueryParam != "" {
		return strings.TrimSpace(c.Query(opts.QueryParam))
	}
	return ""
}

func hasBearer(s string) bool {
	return len(s) > len("bearer ") && strings.EqualFold(s[:len("bearer ")], "bearer ")
}

func abort(c *gin.Context, detail string) {
	ce := errs.ErrTokenExpired.WithDetail(detail)
	c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(&ce))
}
