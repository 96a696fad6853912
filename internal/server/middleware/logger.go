package middleware

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger returns the request-logging middleware backed by Zap.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return ginzap.Ginzap(logger, time.RFC3339, true)
}

// Recovery recovers from panics and logs them through Zap.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return ginzap.RecoveryWithZap(logger, true)
}
