package main

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ai-gateway/core"
	"ai-gateway/models"
)

const requestIDHeader = "X-Request-ID"

// corsMiddleware 跨域中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware 请求关联 ID：沿用调用方带的，没有就生成
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// identifier 限流身份：优先调用方声明的用户，退化到来源 IP
func identifier(c *gin.Context) string {
	if user := strings.TrimSpace(c.GetHeader("X-User-ID")); user != "" && len(user) <= 128 {
		return "user:" + user
	}
	return "ip:" + c.ClientIP()
}

// rateLimitMiddleware 入口滑动窗口限流
// 健康检查与指标端点不计数；拒绝时带标准限流响应头
func rateLimitMiddleware(limiter core.Limiter, limit int, windowSeconds int, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		id := identifier(c)
		allowed, remaining := limiter.Allow(c.Request.Context(), id)

		c.Writer.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Writer.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			core.ObserveRateLimitReject()
			log.Warnf("rate limit exceeded for %s", id)
			c.Writer.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
			c.AbortWithStatusJSON(429, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message:   core.ErrRateLimited.Error(),
					Type:      "rate_limit_error",
					RequestID: c.GetString("request_id"),
				},
			})
			return
		}
		c.Next()
	}
}
