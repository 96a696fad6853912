package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/server/validator"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/pkg/api"
)

type AdminHandler struct {
	service ledger.Service
	repo    store.Repository
}

func NewAdminHandler(service ledger.Service, repo store.Repository) *AdminHandler {
	return &AdminHandler{
		service: service,
		repo:    repo,
	}
}

type reconcileRequest struct {
	OrgID       string    `json:"org_id" binding:"required"`
	PeriodType  string    `json:"period_type" binding:"required,oneof=hourly daily weekly monthly"`
	PeriodStart time.Time `json:"period_start" binding:"required"`
}

// Reconcile recomputes one aggregate window from its entries on demand.
//
// POST /ledger/v1/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(validator.ParseValidationError(err)))
		return
	}

	drifted, err := h.service.Reconcile(c.Request.Context(), req.OrgID, req.PeriodType, req.PeriodStart)
	if err != nil {
		_ = c.Error(api.InternalError("Reconcile failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id":       req.OrgID,
		"period_type":  req.PeriodType,
		"period_start": req.PeriodStart,
		"drifted":      drifted,
	})
}

// ListDeadLetters exposes parked entries and failed alerts for operators.
//
// GET /ledger/v1/deadletters?kind=entry&limit=50
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	kind := c.DefaultQuery("kind", "entry")
	if kind != "entry" && kind != "alert" {
		_ = c.Error(api.BadRequestError("Invalid 'kind' parameter, expected 'entry' or 'alert'"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			_ = c.Error(api.BadRequestError("Invalid 'limit' parameter, expected 1..1000"))
			return
		}
		limit = v
	}

	letters, err := h.repo.DeadLetters().List(c.Request.Context(), kind, limit)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to list dead letters", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   letters,
	})
}
