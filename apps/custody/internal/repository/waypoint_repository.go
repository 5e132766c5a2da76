package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

const waypointColumns = `id, delivery_id, latitude, longitude, accuracy, altitude, speed, bearing, recorded_at, proof_submitted, proof_cid`

// WaypointRepository is the Postgres-backed waypoint ledger store.
type WaypointRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWaypointRepository creates a new waypoint repository
func NewWaypointRepository(db *sql.DB, logger *zap.Logger) *WaypointRepository {
	return &WaypointRepository{db: db, logger: logger}
}

// InsertWaypoint appends a waypoint to the ledger
func (r *WaypointRepository) InsertWaypoint(ctx context.Context, w model.Waypoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO waypoints (id, delivery_id, latitude, longitude, accuracy, altitude, speed, bearing, recorded_at, proof_submitted, proof_cid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, w.ID, w.DeliveryID, w.Latitude, w.Longitude, w.Accuracy, w.Altitude, w.Speed, w.Bearing, w.RecordedAt, w.ProofSubmitted, w.ProofCID)

	if err != nil {
		return fmt.Errorf("failed to insert waypoint: %w", err)
	}
	return nil
}

// ListWaypoints returns a delivery's waypoints ordered by recorded time, then insertion order
func (r *WaypointRepository) ListWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error) {
	var sb strings.Builder
	args := []any{deliveryID}

	sb.WriteString(`SELECT ` + waypointColumns + ` FROM waypoints WHERE delivery_id = $1`)
	if query.StartTime != nil {
		args = append(args, *query.StartTime)
		fmt.Fprintf(&sb, " AND recorded_at >= $%d", len(args))
	}
	if query.EndTime != nil {
		args = append(args, *query.EndTime)
		fmt.Fprintf(&sb, " AND recorded_at <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY recorded_at, seq")
	if query.Limit > 0 {
		args = append(args, query.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if query.Offset > 0 {
		args = append(args, query.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list waypoints: %w", err)
	}
	defer rows.Close()

	var waypoints []model.Waypoint
	for rows.Next() {
		w, err := scanWaypoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waypoint: %w", err)
		}
		waypoints = append(waypoints, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waypoints: %w", err)
	}

	return waypoints, nil
}

func (r *WaypointRepository) LastWaypoint(ctx context.Context, deliveryID string) (*model.Waypoint, error) {
	w, err := scanWaypoint(r.db.QueryRowContext(ctx, `
		SELECT `+waypointColumns+`
		FROM waypoints
		WHERE delivery_id = $1
		ORDER BY recorded_at DESC, seq DESC
		LIMIT 1
	`, deliveryID))

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last waypoint: %w", err)
	}
	return w, nil
}

// MarkProofSubmitted flags the listed waypoints that have no proof yet
func (r *WaypointRepository) MarkProofSubmitted(ctx context.Context, deliveryID, cid string, waypointIDs []string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE waypoints
		SET proof_submitted = TRUE, proof_cid = $1
		WHERE delivery_id = $2 AND proof_submitted = FALSE AND id = ANY($3::uuid[])
	`, cid, deliveryID, pq.Array(waypointIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to mark waypoints as proven: %w", err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	r.logger.Info("Marked waypoints as proven",
		zap.String("delivery_id", deliveryID),
		zap.String("cid", cid),
		zap.Int64("count", marked))
	return marked, nil
}

// DeleteProvenBefore deletes proof-submitted waypoints recorded before cutoff
func (r *WaypointRepository) DeleteProvenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM waypoints
		WHERE proof_submitted = TRUE AND recorded_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete proven waypoints: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return deleted, nil
}

func scanWaypoint(row rowScanner) (*model.Waypoint, error) {
	var w model.Waypoint
	var accuracy, altitude, speed, bearing sql.NullFloat64
	var proofCID sql.NullString

	if err := row.Scan(&w.ID, &w.DeliveryID, &w.Latitude, &w.Longitude, &accuracy, &altitude, &speed, &bearing,
		&w.RecordedAt, &w.ProofSubmitted, &proofCID); err != nil {
		return nil, err
	}

	w.Accuracy = nullableFloat(accuracy)
	w.Altitude = nullableFloat(altitude)
	w.Speed = nullableFloat(speed)
	w.Bearing = nullableFloat(bearing)
	if proofCID.Valid {
		w.ProofCID = &proofCID.String
	}
	return &w, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
