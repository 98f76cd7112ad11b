package middleware

import (
	"github.com/gin-gonic/gin"
)

// RouteOpt 路由选项
type RouteOpt struct {
	Auth gin.HandlerFunc // 非空时先过鉴权
}

func (o RouteOpt) chain(h gin.HandlerFunc) []gin.HandlerFunc {
	if o.Auth == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{o.Auth, h}
}

// POST 封装
func POST(r gin.IRoutes, path string, h gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(h)...)
}

// GET 封装
func GET(r gin.IRoutes, path string, h gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(h)...)
}

// DELETE 封装
func DELETE(r gin.IRoutes, path string, h gin.HandlerFunc, opt RouteOpt) {
	r.DELETE(path, opt.chain(h)...)
}
