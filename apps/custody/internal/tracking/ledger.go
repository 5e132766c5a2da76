package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/geo"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
)

// Store is the persistence behind the waypoint ledger. Rows are append-only
// except for the proof-tracking columns and retention deletes.
type Store interface {
	InsertWaypoint(ctx context.Context, waypoint model.Waypoint) error
	// ListWaypoints returns waypoints ascending by recorded time.
	ListWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error)
	// LastWaypoint returns nil when the delivery has no waypoints.
	LastWaypoint(ctx context.Context, deliveryID string) (*model.Waypoint, error)
	// MarkProofSubmitted flags the listed rows not yet flagged and returns how many changed.
	MarkProofSubmitted(ctx context.Context, deliveryID, cid string, waypointIDs []string) (int64, error)
	// DeleteProvenBefore removes proof-submitted rows recorded before cutoff.
	DeleteProvenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WaypointInput is one location sample as reported by a courier device.
type WaypointInput struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Altitude  *float64
	Speed     *float64
	Bearing   *float64
}

// Stats summarises a delivery trail.
type Stats struct {
	TotalWaypoints   int             `json:"total_waypoints"`
	FirstWaypoint    *model.Waypoint `json:"first_waypoint,omitempty"`
	LastWaypoint     *model.Waypoint `json:"last_waypoint,omitempty"`
	DistanceTraveled float64         `json:"distance_traveled"` // meters
	AverageSpeed     float64         `json:"average_speed"`
	ProofsSubmitted  int             `json:"proofs_submitted"`
}

type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a new waypoint ledger
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// ValidateCoordinates rejects NaN and out-of-range coordinates.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return apperr.Validation("validate coordinates", fmt.Errorf("%w: got %v", apperr.ErrInvalidLatitude, lat))
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return apperr.Validation("validate coordinates", fmt.Errorf("%w: got %v", apperr.ErrInvalidLongitude, lon))
	}
	return nil
}

// RecordWaypoint validates and appends a waypoint with a server-assigned timestamp
func (l *Ledger) RecordWaypoint(ctx context.Context, deliveryID string, in WaypointInput) (*model.Waypoint, error) {
	if deliveryID == "" {
		return nil, apperr.Validation("record waypoint", errors.New("delivery id is required"))
	}
	if err := ValidateCoordinates(in.Latitude, in.Longitude); err != nil {
		return nil, err
	}

	waypoint := model.Waypoint{
		ID:         uuid.New().String(),
		DeliveryID: deliveryID,
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		Accuracy:   in.Accuracy,
		Altitude:   in.Altitude,
		Speed:      in.Speed,
		Bearing:    in.Bearing,
		RecordedAt: l.now().UTC(),
	}

	if err := l.store.InsertWaypoint(ctx, waypoint); err != nil {
		return nil, apperr.Transient("record waypoint", err)
	}
	metrics.WaypointsRecordedTotal.Inc()

	l.logger.Debug("Recorded waypoint",
		zap.String("delivery_id", deliveryID),
		zap.Float64("latitude", in.Latitude),
		zap.Float64("longitude", in.Longitude))
	return &waypoint, nil
}

// GetWaypoints returns a page of the delivery's trail in chronological order
func (l *Ledger) GetWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error) {
	if query.Limit < 0 || query.Offset < 0 {
		return nil, apperr.Validation("get waypoints", errors.New("limit and offset must not be negative"))
	}
	if query.StartTime != nil && query.EndTime != nil && query.EndTime.Before(*query.StartTime) {
		return nil, apperr.Validation("get waypoints", errors.New("end time is before start time"))
	}

	waypoints, err := l.store.ListWaypoints(ctx, deliveryID, query)
	if err != nil {
		return nil, apperr.Transient("get waypoints", err)
	}
	return waypoints, nil
}

// GetLastWaypoint returns nil when the delivery has no waypoints
func (l *Ledger) GetLastWaypoint(ctx context.Context, deliveryID string) (*model.Waypoint, error) {
	waypoint, err := l.store.LastWaypoint(ctx, deliveryID)
	if err != nil {
		return nil, apperr.Transient("get last waypoint", err)
	}
	return waypoint, nil
}

// MarkProofSubmitted attaches cid to the listed waypoints of the delivery still awaiting a proof.
// Waypoints outside waypointIDs are left untouched.
func (l *Ledger) MarkProofSubmitted(ctx context.Context, deliveryID, cid string, waypointIDs []string) (int64, error) {
	if len(waypointIDs) == 0 {
		return 0, nil
	}
	marked, err := l.store.MarkProofSubmitted(ctx, deliveryID, cid, waypointIDs)
	if err != nil {
		return 0, apperr.Transient("mark proof submitted", err)
	}
	return marked, nil
}

// CleanupOldWaypoints deletes proven waypoints older than the retention horizon.
// Unproven waypoints are kept regardless of age.
func (l *Ledger) CleanupOldWaypoints(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, apperr.Validation("cleanup waypoints", errors.New("retention days must not be negative"))
	}

	cutoff := l.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted, err := l.store.DeleteProvenBefore(ctx, cutoff)
	if err != nil {
		return 0, apperr.Transient("cleanup waypoints", err)
	}
	metrics.WaypointsCleanedTotal.Add(float64(deleted))

	l.logger.Info("Cleaned up proven waypoints",
		zap.Int("retention_days", retentionDays),
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// TrackingStats summarizes a delivery trail
func (l *Ledger) TrackingStats(ctx context.Context, deliveryID string) (*Stats, error) {
	waypoints, err := l.GetWaypoints(ctx, deliveryID, model.WaypointQuery{})
	if err != nil {
		return nil, err
	}
	return ComputeStats(waypoints), nil
}

// SimplifiedRoute loads the full trail and downsamples it for display.
func (l *Ledger) SimplifiedRoute(ctx context.Context, deliveryID string, maxPoints int) ([]model.Waypoint, error) {
	if maxPoints <= 0 {
		return nil, apperr.Validation("simplify route", errors.New("max points must be positive"))
	}
	waypoints, err := l.GetWaypoints(ctx, deliveryID, model.WaypointQuery{})
	if err != nil {
		return nil, err
	}
	return SimplifyRoute(waypoints, maxPoints), nil
}

// SimplifyRoute reduces a trail to at most maxPoints samples plus its endpoint
func SimplifyRoute(waypoints []model.Waypoint, maxPoints int) []model.Waypoint {
	return geo.Simplify(waypoints, maxPoints)
}

// ComputeStats expects waypoints in ascending time order. Samples without a
// speed reading are left out of the average rather than counted as zero.
func ComputeStats(waypoints []model.Waypoint) *Stats {
	stats := &Stats{TotalWaypoints: len(waypoints)}
	if len(waypoints) == 0 {
		return stats
	}

	first := waypoints[0]
	last := waypoints[len(waypoints)-1]
	stats.FirstWaypoint = &first
	stats.LastWaypoint = &last

	var speedSum float64
	var speedSamples int
	for i, w := range waypoints {
		if i > 0 {
			prev := waypoints[i-1]
			stats.DistanceTraveled += geo.Distance(prev.Latitude, prev.Longitude, w.Latitude, w.Longitude)
		}
		if w.Speed != nil {
			speedSum += *w.Speed
			speedSamples++
		}
		if w.ProofSubmitted {
			stats.ProofsSubmitted++
		}
	}
	if speedSamples > 0 {
		stats.AverageSpeed = speedSum / float64(speedSamples)
	}
	return stats
}
