package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/tracking"
)

const defaultRoutePoints = 100

type WaypointLedger interface {
	RecordWaypoint(ctx context.Context, deliveryID string, in tracking.WaypointInput) (*model.Waypoint, error)
	GetWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error)
	GetLastWaypoint(ctx context.Context, deliveryID string) (*model.Waypoint, error)
	TrackingStats(ctx context.Context, deliveryID string) (*tracking.Stats, error)
	SimplifiedRoute(ctx context.Context, deliveryID string, maxPoints int) ([]model.Waypoint, error)
}

// TrackingHandler handles delivery waypoint endpoints
type TrackingHandler struct {
	responder
	ledger WaypointLedger
}

// NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(ledger WaypointLedger, logger *zap.Logger) *TrackingHandler {
	return &TrackingHandler{responder: responder{logger: logger}, ledger: ledger}
}

// RecordWaypoint handles POST /api/deliveries/{delivery_id}/waypoints
func (h *TrackingHandler) RecordWaypoint(w http.ResponseWriter, r *http.Request) {
	deliveryID := mux.Vars(r)["delivery_id"]

	var req RecordWaypointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_coordinates", "Latitude and longitude are required")
		return
	}

	waypoint, err := h.ledger.RecordWaypoint(r.Context(), deliveryID, tracking.WaypointInput{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  req.Accuracy,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Bearing:   req.Bearing,
	})
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, waypoint)
}

// GetWaypoints handles GET /api/deliveries/{delivery_id}/waypoints
func (h *TrackingHandler) GetWaypoints(w http.ResponseWriter, r *http.Request) {
	deliveryID := mux.Vars(r)["delivery_id"]

	query, err := parseWaypointQuery(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	waypoints, err := h.ledger.GetWaypoints(r.Context(), deliveryID, query)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if waypoints == nil {
		waypoints = []model.Waypoint{}
	}

	h.writeJSONResponse(w, http.StatusOK, WaypointsResponse{
		DeliveryID: deliveryID,
		Count:      len(waypoints),
		Waypoints:  waypoints,
	})
}

// GetLastWaypoint handles GET /api/deliveries/{delivery_id}/waypoints/last
func (h *TrackingHandler) GetLastWaypoint(w http.ResponseWriter, r *http.Request) {
	deliveryID := mux.Vars(r)["delivery_id"]

	waypoint, err := h.ledger.GetLastWaypoint(r.Context(), deliveryID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if waypoint == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "waypoint_not_found", "No waypoints recorded for this delivery")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, waypoint)
}

// GetStats handles GET /api/deliveries/{delivery_id}/stats
func (h *TrackingHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.TrackingStats(r.Context(), mux.Vars(r)["delivery_id"])
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, stats)
}

// GetRoute handles GET /api/deliveries/{delivery_id}/route
func (h *TrackingHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	deliveryID := mux.Vars(r)["delivery_id"]

	maxPoints := defaultRoutePoints
	if raw := r.URL.Query().Get("max_points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_query", "max_points must be a positive integer")
			return
		}
		maxPoints = n
	}

	waypoints, err := h.ledger.SimplifiedRoute(r.Context(), deliveryID, maxPoints)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if waypoints == nil {
		waypoints = []model.Waypoint{}
	}

	h.writeJSONResponse(w, http.StatusOK, RouteResponse{
		DeliveryID: deliveryID,
		MaxPoints:  maxPoints,
		Waypoints:  waypoints,
	})
}

func parseWaypointQuery(r *http.Request) (model.WaypointQuery, error) {
	var query model.WaypointQuery
	values := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &query.Limit}, {"offset", &query.Offset}} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return query, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = n
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start_time", &query.StartTime}, {"end_time", &query.EndTime}} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, fmt.Errorf("%s must be an RFC3339 timestamp", p.name)
		}
		*p.dst = &t
	}

	return query, nil
}
