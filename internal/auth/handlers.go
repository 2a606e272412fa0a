package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides token endpoints.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new auth handler
func NewHandler(iss *Issuer) *Handler {
	return &Handler{issuer: iss}
}

// TokenRequest is the body of POST /v1/auth/token.
type TokenRequest struct {
	Address string `json:"address" binding:"required"`
}

// IssueToken handles POST /v1/auth/token. It signs a token for any address
// and is only mounted in development.
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}
	token, err := h.issuer.Issue(req.Address)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidSubject) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "token_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresIn": int64(h.issuer.ttl.Seconds()),
	})
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <jwt>",
		"note":   "The token subject is the caller address used for escrow authorization.",
		"publicEndpoints": []string{
			"GET /v1/escrows/:id",
			"GET /v1/escrows/:id/check/:op",
			"GET /v1/parties/:address/escrows",
			"GET /v1/ledger/accounts/:address",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrows",
			"POST /v1/escrows/:id/fund",
			"POST /v1/escrows/:id/vote-release",
			"POST /v1/escrows/:id/resolve",
		},
	})
}
