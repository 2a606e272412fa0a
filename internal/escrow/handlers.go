package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fortiescrow/internal/auth"
	"github.com/mbd888/fortiescrow/internal/pagination"
	"github.com/mbd888/fortiescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/parties", h.GetParties)
	r.GET("/escrows/:id/timeline", h.GetTimeline)
	r.GET("/escrows/:id/votes", h.GetVotes)
	r.GET("/escrows/:id/check/:op", h.CheckOperation)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/force-refund", h.ForceRefund)
	r.POST("/escrows/:id/vote-release", h.VoteRelease)
	r.POST("/escrows/:id/vote-refund", h.VoteRefund)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/transfer", h.DirectTransfer)
}

// AmountRequest is the body of fund and transfer calls.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// DisputeRequest is the body of a dispute call.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body of a resolve call.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"` // "release" or "refund"
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "beneficiary, amount and timeout are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("depositor", req.Depositor),
		validation.ValidAddress("beneficiary", req.Beneficiary),
		validation.ValidAddress("arbiter", req.Arbiter),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), auth.GetCaller(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": h.service.Engine().Status(e)})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": status})
}

// GetParties handles GET /v1/escrows/:id/parties
func (h *Handler) GetParties(c *gin.Context) {
	parties, err := h.service.Parties(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parties": parties})
}

// GetTimeline handles GET /v1/escrows/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	timeline, err := h.service.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}

// GetVotes handles GET /v1/escrows/:id/votes
func (h *Handler) GetVotes(c *gin.Context) {
	votes, err := h.service.Votes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": votes})
}

// CheckOperation handles GET /v1/escrows/:id/check/:op?caller=0x...
// The authenticated caller is used when no caller is given.
func (h *Handler) CheckOperation(c *gin.Context) {
	op, ok := ParseOperation(c.Param("op"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_operation",
			"message": "unknown operation " + c.Param("op"),
		})
		return
	}
	caller := c.Query("caller")
	if caller == "" {
		caller = auth.GetCaller(c)
	}

	check, err := h.service.Check(c.Request.Context(), c.Param("id"), op, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check": check})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	var after *Cursor
	if cursor != nil {
		after = &Cursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID}
	}

	list, more, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]StatusView, 0, len(list))
	for _, e := range list {
		views = append(views, h.service.Engine().Status(e))
	}
	resp := gin.H{
		"escrows": views,
		"count":   len(views),
		"hasMore": more,
	}
	if more {
		last := list[len(list)-1]
		resp["nextCursor"] = pagination.Encode(last.CreatedAt, last.ID)
	}
	c.JSON(http.StatusOK, resp)
}

// Fund handles POST /v1/escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req AmountRequest
	if !bindAmount(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context, id, caller string) (*Escrow, error) {
		return h.service.Fund(ctx, id, caller, req.Amount)
	})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.respond(c, h.service.Release)
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.respond(c, h.service.Refund)
}

// ForceRefund handles POST /v1/escrows/:id/force-refund
func (h *Handler) ForceRefund(c *gin.Context) {
	h.respond(c, h.service.ForceRefund)
}

// VoteRelease handles POST /v1/escrows/:id/vote-release
func (h *Handler) VoteRelease(c *gin.Context) {
	h.respond(c, h.service.VoteRelease)
}

// VoteRefund handles POST /v1/escrows/:id/vote-refund
func (h *Handler) VoteRefund(c *gin.Context) {
	h.respond(c, h.service.VoteRefund)
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)
	h.respond(c, func(ctx context.Context, id, caller string) (*Escrow, error) {
		return h.service.RaiseDispute(ctx, id, caller, reason)
	})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (release or refund)",
		})
		return
	}
	outcome := ParseVote(req.Outcome)
	h.respond(c, func(ctx context.Context, id, caller string) (*Escrow, error) {
		return h.service.ResolveDispute(ctx, id, caller, outcome)
	})
}

// DirectTransfer handles POST /v1/escrows/:id/transfer. Value only enters
// an escrow through fund, so this always fails.
func (h *Handler) DirectTransfer(c *gin.Context) {
	var req AmountRequest
	if !bindAmount(c, &req) {
		return
	}
	err := h.service.DirectTransfer(c.Request.Context(), c.Param("id"), auth.GetCaller(c), req.Amount)
	writeError(c, err)
}

func (h *Handler) respond(c *gin.Context, op func(ctx context.Context, id, caller string) (*Escrow, error)) {
	e, err := op(c.Request.Context(), c.Param("id"), auth.GetCaller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": h.service.Engine().Status(e)})
}

func bindAmount(c *gin.Context, req *AmountRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return false
	}
	return true
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	if IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}

	var e *Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	code := string(e.Code)
	if code == "" {
		code = "invalid_" + e.Kind.String()
	}
	c.JSON(statusFor(e), gin.H{
		"error":   code,
		"kind":    e.Kind.String(),
		"message": e.Error(),
	})
}

func statusFor(e *Error) int {
	if e.Fatal {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindParameter:
		return http.StatusBadRequest
	case KindAmount:
		return http.StatusUnprocessableEntity
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}
