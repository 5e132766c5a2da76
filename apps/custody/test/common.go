package test

import (
	"os"
	"testing"
	"time"
)

const (
	// Test delivery coordinates (San Francisco, heading south-east)
	TestStartLatitude  = 37.7749
	TestStartLongitude = -122.4194
	TestStepDegrees    = 0.0005

	// Unknown order used for proof precondition checks
	TestUnknownOrderID = "00000000-0000-0000-0000-000000000000"

	TestSellerAddress    = "0x0B8fA6F76eB75ae3a4ca28eb3020DFC4503F2136"
	TestCourierAddress   = "0x5401b8620E5FB570064CA9114fd1e135fd77D57c"
	TestRecipientAddress = "0x8236a87084f8B84306f72007F36F2618A5634494"
)

// baseURL returns the address of a running custody service, skipping the test when none is configured.
func baseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CUSTODY_API_URL")
	if url == "" {
		t.Skip("CUSTODY_API_URL not set, skipping integration test")
	}
	return url
}

// WaypointRequest represents the request body for recording a waypoint
type WaypointRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// WaypointResponse represents a recorded waypoint
type WaypointResponse struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	RecordedAt     time.Time `json:"recorded_at"`
	ProofSubmitted bool      `json:"proof_submitted"`
}

// WaypointsResponse represents a page of waypoints
type WaypointsResponse struct {
	DeliveryID string             `json:"delivery_id"`
	Count      int                `json:"count"`
	Waypoints  []WaypointResponse `json:"waypoints"`
}

// StatsResponse represents the tracking summary of a delivery
type StatsResponse struct {
	TotalWaypoints   int     `json:"total_waypoints"`
	DistanceTraveled float64 `json:"distance_traveled"`
	AverageSpeed     float64 `json:"average_speed"`
	ProofsSubmitted  int     `json:"proofs_submitted"`
}

// HandoffProofRequest represents the request body for a handoff proof
type HandoffProofRequest struct {
	SellerAddress  string `json:"seller_address"`
	CourierAddress string `json:"courier_address"`
	Signer         string `json:"signer"`
}

// EscrowStatsResponse represents the reconciler statistics
type EscrowStatsResponse struct {
	Checked      int    `json:"checked"`
	Released     int    `json:"released"`
	Skipped      int    `json:"skipped"`
	Errors       int    `json:"errors"`
	CurrentBlock uint64 `json:"current_block"`
	Running      bool   `json:"running"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
