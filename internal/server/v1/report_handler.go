package v1

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/pkg/api"
)

type ReportHandler struct {
	service ledger.Service
	monitor *budget.Monitor
}

func NewReportHandler(service ledger.Service, monitor *budget.Monitor) *ReportHandler {
	return &ReportHandler{
		service: service,
		monitor: monitor,
	}
}

// GetSummary returns the cost summary for an org and period window.
//
// GET /ledger/v1/summary?org=...&period=daily&at=2026-08-01T00:00:00Z
func (h *ReportHandler) GetSummary(c *gin.Context) {
	orgID := c.Query("org")
	if orgID == "" {
		_ = c.Error(api.BadRequestError("Missing 'org' parameter"))
		return
	}

	period := api.PeriodType(c.DefaultQuery("period", "daily"))

	var at time.Time
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = c.Error(api.BadRequestError("Invalid 'at' parameter, expected RFC3339"))
			return
		}
		at = parsed
	}

	summary, err := h.service.GetCostSummary(c.Request.Context(), orgID, period, at)
	if err != nil {
		var problem *api.Problem
		if errors.As(err, &problem) {
			_ = c.Error(problem)
			return
		}
		_ = c.Error(api.InternalError("Failed to build cost summary", err))
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetCampaignReport returns per-asset and per-user spend for one org's
// campaign. The org is required so a shared tag never crosses org lines.
//
// GET /ledger/v1/campaigns/:tag/report?org=...&from=...&to=...
func (h *ReportHandler) GetCampaignReport(c *gin.Context) {
	tag := c.Param("tag")

	orgID := c.Query("org")
	if orgID == "" {
		_ = c.Error(api.BadRequestError("Missing 'org' parameter"))
		return
	}

	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	report, err := h.service.GetCampaignReport(c.Request.Context(), orgID, tag, from, to)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to build campaign report", err))
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetBudgetStatus reports current spend against the org's allocation.
//
// GET /ledger/v1/budget/status?org=...&threshold=80
func (h *ReportHandler) GetBudgetStatus(c *gin.Context) {
	orgID := c.Query("org")
	if orgID == "" {
		_ = c.Error(api.BadRequestError("Missing 'org' parameter"))
		return
	}

	var override *float64
	if raw := c.Query("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100 {
			_ = c.Error(api.BadRequestError("Invalid 'threshold' parameter, expected a percentage in (0, 100]"))
			return
		}
		override = &v
	}

	result, err := h.monitor.CheckAlert(c.Request.Context(), orgID, override)
	if errors.Is(err, budget.ErrNoAllocation) {
		_ = c.Error(api.NotFoundError("No budget allocation for this org"))
		return
	}
	if err != nil {
		_ = c.Error(api.InternalError("Failed to check budget", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id":       orgID,
		"period_type":  result.PeriodType,
		"period_start": result.PeriodStart,
		"budget": api.BudgetStatus{
			AllocatedUSD:     float64(result.AllocatedMicros) / 1e6,
			SpentUSD:         float64(result.SpentMicros) / 1e6,
			PercentUsed:      result.PercentUsed,
			ThresholdPercent: result.ThresholdPercent,
			AlertTriggered:   result.Triggered,
		},
	})
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		_ = c.Error(api.BadRequestError("Invalid '" + name + "' parameter, expected RFC3339"))
		return time.Time{}, false
	}
	return parsed, true
}
