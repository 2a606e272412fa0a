package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fortiescrow/internal/logging"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	halts      HaltRegistry
	sweeper    Sweeper
	reconciler ReconciliationRunner
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithHaltRegistry sets the source of halted instances.
func (h *Handler) WithHaltRegistry(r HaltRegistry) *Handler {
	h.halts = r
	return h
}

// WithSweeper sets the deadline sweeper for on-demand sweeps.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/halted", h.listHalted)
	r.DELETE("/admin/halted/:id", h.liftHalt)
	r.POST("/admin/sweep", h.sweep)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listHalted returns escrows halted after an invariant violation.
func (h *Handler) listHalted(c *gin.Context) {
	if h.halts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}
	halted := h.halts.HaltedInstances()
	c.JSON(http.StatusOK, gin.H{"halted": halted, "count": len(halted)})
}

// liftHalt lets operations on an escrow resume after operator review.
func (h *Handler) liftHalt(c *gin.Context) {
	if h.halts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}
	id := c.Param("id")
	if !h.halts.Unhalt(id) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_halted",
			"message": "escrow is not halted",
		})
		return
	}
	logging.L(c.Request.Context()).Warn("admin lifted escrow halt", "escrow_id", id)
	c.JSON(http.StatusOK, gin.H{"lifted": true, "escrowId": id})
}

// sweep runs one deadline sweep immediately.
func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}
	refunded := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"refundedCount": refunded})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"match": report.Match(), "report": report})
}
