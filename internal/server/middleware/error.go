package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler serializes errors attached by handlers as RFC 9457 problems.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var problem *api.Problem
		if errors.As(err, &problem) {
			if problem.Log != nil {
				logger.Error("Request failed",
					zap.String("path", c.Request.URL.Path),
					zap.Error(problem.Log))
			}

			// RFC 9457 dictates the json is at the root
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		// An exhausted write is a 503 with the computed cost attached so
		// the caller can still display what the operation would have cost.
		var exhausted *ledger.WriteExhaustedError
		if errors.As(err, &exhausted) {
			logger.Error("Audit write exhausted",
				zap.String("audit_id", exhausted.AuditID),
				zap.Error(exhausted.Err))
			p := api.ServiceUnavailableError(
				"The operation could not be recorded; it has been parked for replay.",
				api.WithExtension("audit_id", exhausted.AuditID),
				api.WithExtension("cost_usd", float64(exhausted.CostMicros)/1e6),
			)
			c.JSON(p.Status, p)
			c.Abort()
			return
		}

		logger.Error("Unhandled error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		p := api.NewProblem(http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred.")
		c.JSON(p.Status, p)
		c.Abort()
	}
}
