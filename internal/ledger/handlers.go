package ledger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fortiescrow/internal/pagination"
	"github.com/mbd888/fortiescrow/internal/validation"
)

// Handler provides read-only HTTP endpoints over the ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/accounts/:address", validation.AddressParamMiddleware(), h.GetAccount)
	r.GET("/ledger/totals", h.GetTotals)
	r.GET("/escrows/:id/ledger", h.GetEscrowEntries)
}

// GetAccount handles GET /v1/ledger/accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	address := c.Param("address")
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	acct, err := h.ledger.Account(ctx, address)
	if err != nil {
		internalError(c, "failed to load account")
		return
	}
	entries, err := h.ledger.History(ctx, address, cursor, limit+1)
	if err != nil {
		internalError(c, "failed to load history")
		return
	}

	entries, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{
		"account": acct,
		"entries": entries,
		"count":   len(entries),
		"hasMore": more,
	}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTotals handles GET /v1/ledger/totals
func (h *Handler) GetTotals(c *gin.Context) {
	t, err := h.ledger.Totals(c.Request.Context())
	if err != nil {
		internalError(c, "failed to compute totals")
		return
	}
	outstanding := t.Outstanding()
	c.JSON(http.StatusOK, gin.H{
		"funded":      t.Funded.Dec(),
		"paidOut":     t.PaidOut.Dec(),
		"outstanding": outstanding.Dec(),
		"fundings":    t.Fundings,
		"payouts":     t.Payouts,
	})
}

// GetEscrowEntries handles GET /v1/escrows/:id/ledger
func (h *Handler) GetEscrowEntries(c *gin.Context) {
	fund, payout, err := h.ledger.Entries(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, "failed to load entries")
		return
	}
	if fund == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no ledger entries for escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fund": fund, "payout": payout})
}

func internalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": message,
	})
}
