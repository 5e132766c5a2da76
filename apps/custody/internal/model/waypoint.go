package model

import (
	"time"
)

type Waypoint struct {
	ID             string    `db:"id" json:"id"`
	DeliveryID     string    `db:"delivery_id" json:"delivery_id"`
	Latitude       float64   `db:"latitude" json:"latitude"`
	Longitude      float64   `db:"longitude" json:"longitude"`
	Accuracy       *float64  `db:"accuracy" json:"accuracy,omitempty"`
	Altitude       *float64  `db:"altitude" json:"altitude,omitempty"`
	Speed          *float64  `db:"speed" json:"speed,omitempty"`
	Bearing        *float64  `db:"bearing" json:"bearing,omitempty"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
	ProofSubmitted bool      `db:"proof_submitted" json:"proof_submitted"`
	ProofCID       *string   `db:"proof_cid" json:"proof_cid,omitempty"`
}

// WaypointQuery narrows a waypoint listing. Zero values mean "unbounded".
type WaypointQuery struct {
	Limit     int
	Offset    int
	StartTime *time.Time
	EndTime   *time.Time
}
