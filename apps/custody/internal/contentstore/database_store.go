package contentstore

import (
	"context"
	"fmt"

	cid "github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
)

type BlobRepository interface {
	PutBlob(ctx context.Context, cid string, data []byte) error
	GetBlob(ctx context.Context, cid string) ([]byte, error)
}

// DatabaseStore keeps blobs in Postgres, addressed by their locally computed CID.
type DatabaseStore struct {
	repo   BlobRepository
	logger *zap.Logger
}

// NewDatabaseStore creates a content store backed by the database
func NewDatabaseStore(repo BlobRepository, logger *zap.Logger) *DatabaseStore {
	return &DatabaseStore{repo: repo, logger: logger}
}

// Add stores data under its CID
func (s *DatabaseStore) Add(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.repo.PutBlob(ctx, c.String(), data); err != nil {
		return cid.Undef, apperr.Transient("content store add", err)
	}

	s.logger.Debug("Stored blob", zap.String("cid", c.String()), zap.Int("size", len(data)))
	return c, nil
}

// Get returns nil when the CID is unknown, and fails if the stored bytes no longer hash to it.
func (s *DatabaseStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := s.repo.GetBlob(ctx, c.String())
	if err != nil {
		return nil, apperr.Transient("content store get", err)
	}
	if data == nil {
		return nil, nil
	}

	check, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("failed to verify blob %s: %w", c, err)
	}
	if !check.Equals(c) {
		return nil, fmt.Errorf("blob %s is corrupt: content hashes to %s", c, check)
	}
	return data, nil
}
