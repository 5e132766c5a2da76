package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			status VARCHAR(20) NOT NULL,
			chain_order_id BIGINT UNIQUE,
			buyer_address VARCHAR(64) NOT NULL,
			seller_address VARCHAR(64) NOT NULL,
			estimated_delivery_days INTEGER,
			shipping_method VARCHAR(32) NOT NULL DEFAULT 'STANDARD',
			auto_release_blocks BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_chain ON orders (status) WHERE chain_order_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
			order_id UUID PRIMARY KEY REFERENCES orders (order_id),
			status VARCHAR(20) NOT NULL,
			tx_hash VARCHAR(66),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS waypoints (
			seq BIGSERIAL,
			id UUID PRIMARY KEY,
			delivery_id VARCHAR(64) NOT NULL,
			latitude DOUBLE PRECISION NOT NULL CHECK (latitude BETWEEN -90 AND 90),
			longitude DOUBLE PRECISION NOT NULL CHECK (longitude BETWEEN -180 AND 180),
			accuracy DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			bearing DOUBLE PRECISION,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			proof_submitted BOOLEAN NOT NULL DEFAULT FALSE,
			proof_cid VARCHAR(128)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waypoints_delivery_time ON waypoints (delivery_id, recorded_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_waypoints_proven_time ON waypoints (recorded_at) WHERE proof_submitted`,
		`CREATE TABLE IF NOT EXISTS escrow_logs (
			id UUID PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			action VARCHAR(32) NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_logs_order ON escrow_logs (order_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id UUID PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			order_id VARCHAR(64) NOT NULL,
			event_blob JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at TIMESTAMPTZ
		)`,
		`ALTER TABLE event_outbox ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS content_blobs (
			cid VARCHAR(128) PRIMARY KEY,
			data BYTEA NOT NULL,
			size INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
