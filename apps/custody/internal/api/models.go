package api

import (
	"custody/apps/custody/internal/model"
)

// RecordWaypointRequest is the body of a waypoint submission. Latitude and
// longitude are pointers so a missing field is distinguishable from zero.
type RecordWaypointRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
}

// WaypointsResponse represents a page of a delivery trail
type WaypointsResponse struct {
	DeliveryID string           `json:"delivery_id"`
	Count      int              `json:"count"`
	Waypoints  []model.Waypoint `json:"waypoints"`
}

// RouteResponse represents a simplified trail for display
type RouteResponse struct {
	DeliveryID string           `json:"delivery_id"`
	MaxPoints  int              `json:"max_points"`
	Waypoints  []model.Waypoint `json:"waypoints"`
}

// HandoffProofRequest represents the request body for anchoring a seller to courier handoff
type HandoffProofRequest struct {
	SellerAddress  string `json:"seller_address" validate:"required"`
	CourierAddress string `json:"courier_address" validate:"required"`
	Signer         string `json:"signer" validate:"required"`
}

// DeliveryProofRequest represents the request body for anchoring a courier to recipient delivery
type DeliveryProofRequest struct {
	CourierAddress   string `json:"courier_address" validate:"required"`
	RecipientAddress string `json:"recipient_address" validate:"required"`
	Signer           string `json:"signer" validate:"required"`
	PhotoRef         string `json:"photo_ref,omitempty"`
}

// EscrowResponse represents the on-chain escrow view of an order. DisputeStatus
// is UNKNOWN when the dispute lookup failed.
type EscrowResponse struct {
	ChainOrderID  uint64 `json:"chain_order_id"`
	Status        string `json:"status"`
	LockedAt      uint64 `json:"locked_at"`
	CurrentBlock  uint64 `json:"current_block"`
	BlocksElapsed uint64 `json:"blocks_elapsed"`
	DisputeStatus string `json:"dispute_status"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
