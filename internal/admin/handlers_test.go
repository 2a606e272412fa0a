package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHalts struct {
	halted map[string]string
}

func (f *fakeHalts) HaltedInstances() []escrow.HaltedInstance {
	out := make([]escrow.HaltedInstance, 0, len(f.halted))
	for id, reason := range f.halted {
		out = append(out, escrow.HaltedInstance{ID: id, Reason: reason})
	}
	return out
}

func (f *fakeHalts) Unhalt(id string) bool {
	if _, ok := f.halted[id]; !ok {
		return false
	}
	delete(f.halted, id)
	return true
}

type fakeSweeper struct{ n int }

func (f fakeSweeper) Sweep(context.Context) int { return f.n }

type fakeReconciler struct {
	report *reconciliation.Report
	err    error
}

func (f fakeReconciler) RunAll(context.Context) (*reconciliation.Report, error) {
	return f.report, f.err
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func serve(r *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHalted_ListAndLift(t *testing.T) {
	halts := &fakeHalts{halted: map[string]string{"esc_1": "balance drift"}}
	r := newRouter(NewHandler().WithHaltRegistry(halts))

	w, body := serve(r, http.MethodGet, "/v1/admin/halted")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = serve(r, http.MethodDelete, "/v1/admin/halted/esc_1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["lifted"])
	assert.Empty(t, halts.halted)

	w, body = serve(r, http.MethodDelete, "/v1/admin/halted/esc_1")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_halted", body["error"])
}

func TestSweep(t *testing.T) {
	r := newRouter(NewHandler().WithSweeper(fakeSweeper{n: 4}))
	w, body := serve(r, http.MethodPost, "/v1/admin/sweep")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, body["refundedCount"])
}

func TestReconcile(t *testing.T) {
	r := newRouter(NewHandler().WithReconciler(fakeReconciler{report: &reconciliation.Report{}}))
	w, body := serve(r, http.MethodPost, "/v1/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["match"])

	r = newRouter(NewHandler().WithReconciler(fakeReconciler{err: errors.New("db down")}))
	w, _ = serve(r, http.MethodPost, "/v1/admin/reconcile")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnconfigured(t *testing.T) {
	r := newRouter(NewHandler())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/admin/halted"},
		{http.MethodDelete, "/v1/admin/halted/esc_1"},
		{http.MethodPost, "/v1/admin/sweep"},
		{http.MethodPost, "/v1/admin/reconcile"},
	} {
		w, _ := serve(r, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}
