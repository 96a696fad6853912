package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/pkg/api"
)

type EntriesHandler struct {
	service ledger.Service
}

func NewEntriesHandler(service ledger.Service) *EntriesHandler {
	return &EntriesHandler{service: service}
}

// List returns a filtered, paged view of the audit trail, newest first.
//
// GET /ledger/v1/entries?org=...&user=...&campaign=...&resource_id=...
func (h *EntriesHandler) List(c *gin.Context) {
	filter := store.EntryFilter{
		OrgID:        c.Query("org"),
		UserID:       c.Query("user"),
		CampaignTag:  c.Query("campaign"),
		ResourceID:   c.Query("resource_id"),
		ResourceType: c.Query("resource_type"),
	}

	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}
	filter.From = from
	filter.To = to

	page := store.Page{}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			_ = c.Error(api.BadRequestError("Invalid 'limit' parameter, expected 1..1000"))
			return
		}
		page.Limit = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			_ = c.Error(api.BadRequestError("Invalid 'offset' parameter"))
			return
		}
		page.Offset = v
	}

	entries, total, err := h.service.ListEntries(c.Request.Context(), filter, page)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to list entries", err))
		return
	}

	limit := page.Limit
	if limit == 0 {
		limit = 50
	}

	c.JSON(http.StatusOK, api.EntryPage{
		Object: "list",
		Data:   entries,
		Limit:  limit,
		Offset: page.Offset,
		Total:  total,
	})
}

// Purge deletes every audit entry belonging to a user and repairs the
// aggregates the deletion touched. Zero deletions is still a success.
//
// DELETE /ledger/v1/users/:userId/entries
func (h *EntriesHandler) Purge(c *gin.Context) {
	userID := c.Param("userId")

	deleted, err := h.service.PurgeUser(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to purge user entries", err))
		return
	}

	c.JSON(http.StatusOK, api.PurgeResponse{
		UserID:  userID,
		Deleted: deleted,
	})
}
