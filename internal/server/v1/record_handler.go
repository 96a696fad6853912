package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/server/validator"
	"github.com/meterly/cost-ledger-api/pkg/api"
)

type RecordHandler struct {
	service ledger.Service
}

func NewRecordHandler(service ledger.Service) *RecordHandler {
	return &RecordHandler{service: service}
}

// RecordUsage ingests one completed AI operation.
//
// POST /ledger/v1/usage
func (h *RecordHandler) RecordUsage(c *gin.Context) {
	var event api.UsageEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		// returns RFC compliant error
		_ = c.Error(api.ValidationError(validator.ParseValidationError(err)))
		return
	}

	resp, err := h.service.RecordOperation(c.Request.Context(), &event)
	if err != nil {
		_ = c.Error(recordProblem(err))
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// RecordAction appends a zero-cost manual action to the audit trail.
//
// POST /ledger/v1/actions
func (h *RecordHandler) RecordAction(c *gin.Context) {
	var req api.ManualActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(validator.ParseValidationError(err)))
		return
	}

	resp, err := h.service.RecordManualAction(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(recordProblem(err))
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// recordProblem maps write-path errors onto problems, leaving exhausted
// writes untouched for the error middleware to serialize as a 503.
func recordProblem(err error) error {
	switch err.(type) {
	case *ledger.WriteExhaustedError, *api.Problem:
		return err
	}
	return api.BadRequestError(err.Error())
}
