package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

// EscrowLogRepository owns the append-only escrow audit trail and its outbox.
type EscrowLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscrowLogRepository creates a new escrow log repository
func NewEscrowLogRepository(db *sql.DB, logger *zap.Logger) *EscrowLogRepository {
	return &EscrowLogRepository{db: db, logger: logger}
}

// Append inserts an audit row and its outbox event in one transaction.
func (r *EscrowLogRepository) Append(ctx context.Context, entry model.EscrowLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_logs (id, order_id, action, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, entry.ID, entry.OrderID, entry.Action, []byte(entry.Payload)); err != nil {
		return fmt.Errorf("failed to insert escrow log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_outbox (id, event_type, status, order_id, event_blob, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entry.ID, entry.Action, model.OutboxStatusUnsent, entry.OrderID, []byte(entry.Payload)); err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit escrow log: %w", err)
	}

	r.logger.Debug("Stored escrow log", zap.String("action", entry.Action), zap.String("order_id", entry.OrderID))
	return nil
}

// ListByOrder returns the audit trail of an order, oldest first
func (r *EscrowLogRepository) ListByOrder(ctx context.Context, orderID string) ([]model.EscrowLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, action, payload, created_at
		FROM escrow_logs
		WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow logs: %w", err)
	}
	defer rows.Close()

	var logs []model.EscrowLog
	for rows.Next() {
		var entry model.EscrowLog
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.Action, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow log: %w", err)
		}
		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escrow logs: %w", err)
	}
	return logs, nil
}

// GetUnsentEventsForProcessing claims up to limit unsent events and marks them as processing
func (r *EscrowLogRepository) GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	// Select and lock unsent events for processing
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, status, order_id, event_blob, created_at
		FROM event_outbox
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, model.OutboxStatusUnsent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outboxEvents []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.Status, &event.OrderID, &event.EventBlob, &event.CreatedAt); err != nil {
			return nil, err
		}
		outboxEvents = append(outboxEvents, event)
	}
	rows.Close()

	// Mark selected events as 'processing' so other publishers skip them
	for _, event := range outboxEvents {
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_outbox
			SET status = $1, claimed_at = NOW()
			WHERE id = $2 AND status = $3
		`, model.OutboxStatusProcessing, event.ID, model.OutboxStatusUnsent); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return outboxEvents, nil
}

// ResetStaleEvents returns events claimed longer than staleAfter ago to the
// queue. Such rows belong to a publisher that died between claim and ack.
func (r *EscrowLogRepository) ResetStaleEvents(ctx context.Context, staleAfter time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND (claimed_at IS NULL OR claimed_at < NOW() - ($3::float8 * INTERVAL '1 second'))
	`, model.OutboxStatusUnsent, model.OutboxStatusProcessing, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale outbox events: %w", err)
	}
	return result.RowsAffected()
}

// MarkEventAsSent marks an event as sent
func (r *EscrowLogRepository) MarkEventAsSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = $1
		WHERE id = $2
	`, model.OutboxStatusSent, id)
	return err
}

// MarkEventAsFailed returns a processing event to the unsent queue
func (r *EscrowLogRepository) MarkEventAsFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = $1
		WHERE id = $2 AND status = $3
	`, model.OutboxStatusUnsent, id, model.OutboxStatusProcessing)
	return err
}
