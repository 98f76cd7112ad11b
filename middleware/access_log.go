package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// AccessLog 请求日志；/ws 是长连接，只在结束时记一条
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("[HTTP] request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("[HTTP] request", fields...)
		default:
			logger.Debug("[HTTP] request", fields...)
		}
	}
}

// Recovery panic 转 500，并记录堆栈
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[HTTP] panic recovered",
					zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code": errs.ServerInternalError,
					"msg":  "ServerInternalError",
				})
			}
		}()
		c.Next()
	}
}
