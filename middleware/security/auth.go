package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PPChat/tools/errs"
)

const (
	HeaderInternalToken = "X-Internal-Token"
	// PPCtxAuthKey 通过校验后写入 context 的 token
	PPCtxAuthKey = "authorization"
)

type Options struct {
	Token                     string // 期望的访问令牌；空 = 不校验
	HeaderToken               string // 默认 X-Internal-Token
	EnableAuthorizationBearer bool   // 兼容 Authorization: Bearer xxx
}

func DefaultOptions(token string) *Options {
	return &Options{
		Token:                     token,
		HeaderToken:               HeaderInternalToken,
		EnableAuthorizationBearer: true,
	}
}

// ExtractToken 先读自定义头，再读 Authorization: Bearer
func ExtractToken(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > len("bearer ") &&
			strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			token = strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return token
}

// Middleware 内部接口访问令牌校验
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions("")
	}
	if opts.HeaderToken == "" {
		opts.HeaderToken = HeaderInternalToken
	}
	return func(c *gin.Context) {
		if opts.Token == "" {
			c.Next()
			return
		}
		token := ExtractToken(c, opts)
		if subtle.ConstantTimeCompare([]byte(token), []byte(opts.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.UnauthorizedError,
				"msg":  "Unauthorized",
			})
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Next()
	}
}
