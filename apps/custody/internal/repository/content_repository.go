package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ContentRepository persists content-addressed blobs keyed by their CID string.
type ContentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContentRepository creates a new content repository
func NewContentRepository(db *sql.DB, logger *zap.Logger) *ContentRepository {
	return &ContentRepository{db: db, logger: logger}
}

// PutBlob is a no-op when the CID is already stored.
func (r *ContentRepository) PutBlob(ctx context.Context, cid string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_blobs (cid, data, size, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cid) DO NOTHING
	`, cid, data, len(data))
	if err != nil {
		return fmt.Errorf("failed to store content blob: %w", err)
	}
	return nil
}

// GetBlob returns nil when no blob is stored under cid
func (r *ContentRepository) GetBlob(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM content_blobs WHERE cid = $1`, cid).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get content blob: %w", err)
	}
	return data, nil
}
