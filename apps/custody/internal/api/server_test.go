package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/escrow"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/proof"
	"custody/apps/custody/internal/tracking"
)

type fakeSubmitter struct {
	handoff  proof.HandoffRequest
	delivery proof.DeliveryRequest
	err      error
}

func (f *fakeSubmitter) SubmitHandoffProof(ctx context.Context, req proof.HandoffRequest) (*proof.Result, error) {
	f.handoff = req
	if f.err != nil {
		return nil, f.err
	}
	return &proof.Result{DeliveryID: req.DeliveryID, Kind: "handoff", CID: "bafkrei-handoff", TxHash: "0xabc"}, nil
}

func (f *fakeSubmitter) SubmitDeliveryProof(ctx context.Context, req proof.DeliveryRequest) (*proof.Result, error) {
	f.delivery = req
	if f.err != nil {
		return nil, f.err
	}
	return &proof.Result{DeliveryID: req.DeliveryID, Kind: "delivery", CID: "bafkrei-delivery", TxHash: "0xdef"}, nil
}

type fakeReconciler struct {
	stats escrow.Stats
	err   error
	runs  int
}

func (f *fakeReconciler) RunOnce(ctx context.Context) (escrow.Stats, error) {
	f.runs++
	return f.stats, f.err
}

func (f *fakeReconciler) GetStats() escrow.Stats { return f.stats }

type fakeInspector struct {
	block      uint64
	escrows    map[uint64]chain.Escrow
	disputed   map[uint64]bool
	disputeErr error
}

func (f *fakeInspector) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return f.block, nil
}

func (f *fakeInspector) QueryEscrow(ctx context.Context, orderID uint64) (chain.Escrow, bool, error) {
	e, ok := f.escrows[orderID]
	return e, ok, nil
}

func (f *fakeInspector) ActiveDispute(ctx context.Context, orderID uint64) (bool, error) {
	if f.disputeErr != nil {
		return false, f.disputeErr
	}
	return f.disputed[orderID], nil
}

type testServer struct {
	handler    http.Handler
	ledger     *tracking.Ledger
	submitter  *fakeSubmitter
	reconciler *fakeReconciler
	inspector  *fakeInspector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	ts := &testServer{
		ledger:     tracking.NewLedger(tracking.NewMemoryStore(), zap.NewNop()),
		submitter:  &fakeSubmitter{},
		reconciler: &fakeReconciler{},
		inspector: &fakeInspector{
			block:    1250,
			escrows:  map[uint64]chain.Escrow{7: {OrderID: 7, Status: chain.EscrowLocked, LockedAt: 1000}},
			disputed: map[uint64]bool{},
		},
	}
	server := NewServer(0, ts.ledger, ts.submitter, ts.reconciler, ts.inspector, registry, zap.NewNop())
	ts.handler = server.server.Handler
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRecordAndListWaypoints(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := ts.do("POST", "/api/deliveries/order-1/waypoints",
			fmt.Sprintf(`{"latitude":%f,"longitude":-122.4,"speed":4.2}`, 37.7+float64(i)*0.001))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := ts.do("GET", "/api/deliveries/order-1/waypoints?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page WaypointsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, "order-1", page.DeliveryID)
	assert.Equal(t, 2, page.Count)
	assert.InDelta(t, 37.7, page.Waypoints[0].Latitude, 1e-9)

	rec = ts.do("GET", "/api/deliveries/order-1/waypoints/last", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var last model.Waypoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	assert.InDelta(t, 37.702, last.Latitude, 1e-9)

	rec = ts.do("GET", "/api/deliveries/order-1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats tracking.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalWaypoints)
	assert.Greater(t, stats.DistanceTraveled, 0.0)

	rec = ts.do("GET", "/api/deliveries/order-1/route?max_points=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var route RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	assert.Equal(t, 2, route.MaxPoints)
	assert.LessOrEqual(t, len(route.Waypoints), 3)
}

func TestRecordWaypointValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{`, "invalid_request_body"},
		{"missing longitude", `{"latitude":1}`, "missing_coordinates"},
		{"latitude out of range", `{"latitude":90.0001,"longitude":0}`, "validation_error"},
		{"longitude out of range", `{"latitude":0,"longitude":181}`, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do("POST", "/api/deliveries/order-1/waypoints", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestWaypointQueryValidation(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/deliveries/order-1/waypoints?limit=-1",
		"/api/deliveries/order-1/waypoints?start_time=yesterday",
		"/api/deliveries/order-1/route?max_points=0",
	} {
		rec := ts.do("GET", path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestLastWaypointNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("GET", "/api/deliveries/unknown/waypoints/last", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitProofs(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("POST", "/api/deliveries/order-1/proofs/handoff",
		`{"seller_address":"0xSeller","courier_address":"0xCourier","signer":"seller"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, proof.HandoffRequest{
		DeliveryID:     "order-1",
		SellerAddress:  "0xSeller",
		CourierAddress: "0xCourier",
		Signer:         "seller",
	}, ts.submitter.handoff)

	rec = ts.do("POST", "/api/deliveries/order-1/proofs/delivery",
		`{"courier_address":"0xCourier","recipient_address":"0xBuyer","signer":"courier","photo_ref":"bafyphoto"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "bafyphoto", ts.submitter.delivery.PhotoRef)

	var result proof.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "0xdef", result.TxHash)
}

func TestSubmitProofErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown signer", apperr.Validation("resolve signer", apperr.ErrUnknownSigner), http.StatusBadRequest, "validation_error"},
		{"order missing", apperr.Precondition("lookup order", apperr.ErrOrderNotFound), http.StatusNotFound, "order_not_found"},
		{"no waypoints", apperr.Precondition("package proof", apperr.ErrNoWaypoints), http.StatusConflict, "precondition_failed"},
		{"chain write", apperr.ChainWrite("submit proof", errors.New("reverted")), http.StatusBadGateway, "chain_write_failed"},
		{"content store down", apperr.Transient("upload bundle", errors.New("connection refused")), http.StatusServiceUnavailable, "service_unavailable"},
		{"connection refused", fmt.Errorf("dial ipfs: %w", syscall.ECONNREFUSED), http.StatusServiceUnavailable, "service_unavailable"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.submitter.err = tt.err

			rec := ts.do("POST", "/api/deliveries/order-1/proofs/handoff",
				`{"seller_address":"0xSeller","courier_address":"0xCourier","signer":"seller"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestEscrowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.reconciler.stats = escrow.Stats{Checked: 4, Released: 1, Skipped: 3, CurrentBlock: 1200}

	rec := ts.do("POST", "/api/escrow/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.reconciler.runs)

	var stats escrow.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, uint64(1200), stats.CurrentBlock)

	rec = ts.do("GET", "/api/escrow/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 4, stats.Checked)
}

func TestReconcileWhileRunning(t *testing.T) {
	ts := newTestServer(t)
	ts.reconciler.err = apperr.ErrRunInProgress

	rec := ts.do("POST", "/api/escrow/reconcile", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_in_progress", decodeError(t, rec).Error)
}

func TestGetEscrow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("GET", "/api/escrow/orders/7", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp EscrowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, EscrowResponse{
		ChainOrderID:  7,
		Status:        "Locked",
		LockedAt:      1000,
		CurrentBlock:  1250,
		BlocksElapsed: 250,
		DisputeStatus: "NONE",
	}, resp)

	ts.inspector.disputed[7] = true
	rec = ts.do("GET", "/api/escrow/orders/7", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ACTIVE", resp.DisputeStatus)

	ts.inspector.disputeErr = apperr.UncertainOracle("dispute lookup", errors.New("rpc timeout"))
	rec = ts.do("GET", "/api/escrow/orders/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UNKNOWN", resp.DisputeStatus)

	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/api/escrow/orders/8", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/escrow/orders/abc", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("GET", "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = ts.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "waypoints_recorded_total")
}
