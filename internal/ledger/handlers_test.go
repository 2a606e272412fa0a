package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l, _ := newTestLedger()
	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/v1"))
	return r, l
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

type accountResponse struct {
	Account    Account  `json:"account"`
	Entries    []*Entry `json:"entries"`
	Count      int      `json:"count"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor"`
}

func TestHandler_GetAccountPaginates(t *testing.T) {
	r, l := setupTestRouter(t)
	ctx := context.Background()
	for _, id := range []string{"esc_1", "esc_2", "esc_3"} {
		require.NoError(t, l.RecordFunding(ctx, id, alice, amount(100)))
	}

	w := get(r, "/v1/ledger/accounts/"+string(alice)+"?limit=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first accountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "300", first.Account.Funded)
	assert.Equal(t, 2, first.Count)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "esc_3", first.Entries[0].EscrowID)

	w = get(r, "/v1/ledger/accounts/"+string(alice)+"?limit=2&cursor="+first.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)
	var second accountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, 1, second.Count)
	assert.False(t, second.HasMore)
	assert.Equal(t, "esc_1", second.Entries[0].EscrowID)
}

func TestHandler_GetAccountValidation(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := get(r, "/v1/ledger/accounts/not-an-address")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(r, "/v1/ledger/accounts/"+string(alice)+"?cursor=@@@")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(r, "/v1/ledger/accounts/"+string(bob))
	require.Equal(t, http.StatusOK, w.Code)
	var resp accountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0", resp.Account.Received)
	assert.Empty(t, resp.Entries)
}

func TestHandler_TotalsAndEscrowEntries(t *testing.T) {
	r, l := setupTestRouter(t)
	ctx := context.Background()
	require.NoError(t, l.RecordFunding(ctx, "esc_1", alice, amount(400)))
	require.NoError(t, l.RecordFunding(ctx, "esc_2", alice, amount(100)))
	require.NoError(t, l.Payout(ctx, "esc_1", bob, amount(400)))

	w := get(r, "/v1/ledger/totals")
	require.Equal(t, http.StatusOK, w.Code)
	var totals map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &totals))
	assert.Equal(t, "500", totals["funded"])
	assert.Equal(t, "100", totals["outstanding"])

	w = get(r, "/v1/escrows/esc_1/ledger")
	require.Equal(t, http.StatusOK, w.Code)
	var entries struct {
		Fund   *Entry `json:"fund"`
		Payout *Entry `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.NotNil(t, entries.Payout)
	assert.Equal(t, string(bob), entries.Payout.Principal)

	w = get(r, "/v1/escrows/esc_none/ledger")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
