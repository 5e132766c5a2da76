package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cid "github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/contentstore"
	"custody/apps/custody/internal/model"
)

const BundleVersion = 1

type WaypointSource interface {
	GetWaypoints(ctx context.Context, deliveryID string, query model.WaypointQuery) ([]model.Waypoint, error)
}

// Bundle is the serialized proof artifact uploaded to the content store.
type Bundle struct {
	Version    int              `json:"version"`
	Kind       string           `json:"kind"`
	DeliveryID string           `json:"delivery_id"`
	Waypoints  []BundleWaypoint `json:"waypoints"`
	Metadata   BundleMetadata   `json:"metadata"`
	PhotoRef   string           `json:"photo_ref,omitempty"`
}

type BundleWaypoint struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy"`
	RecordedAt time.Time `json:"recorded_at"`
}

type BundleMetadata struct {
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Packaged is an uploaded bundle. WaypointIDs lists the ledger rows the bundle
// was built from, in bundle order.
type Packaged struct {
	CID         cid.Cid
	Bundle      *Bundle
	Size        int
	WaypointIDs []string
}

type Packager struct {
	waypoints WaypointSource
	store     contentstore.Store
	logger    *zap.Logger
	now       func() time.Time
}

// NewPackager creates a new proof packager
func NewPackager(waypoints WaypointSource, store contentstore.Store, logger *zap.Logger) *Packager {
	return &Packager{
		waypoints: waypoints,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Package serializes the delivery's full waypoint trail. An empty trail is a precondition error.
func (p *Packager) Package(ctx context.Context, deliveryID string, kind chain.ProofKind, photoRef string) ([]byte, *Bundle, error) {
	data, bundle, _, err := p.pack(ctx, deliveryID, kind, photoRef)
	return data, bundle, err
}

func (p *Packager) pack(ctx context.Context, deliveryID string, kind chain.ProofKind, photoRef string) ([]byte, *Bundle, []string, error) {
	waypoints, err := p.waypoints.GetWaypoints(ctx, deliveryID, model.WaypointQuery{})
	if err != nil {
		return nil, nil, nil, err
	}
	if len(waypoints) == 0 {
		return nil, nil, nil, apperr.Precondition("package proof", fmt.Errorf("%w: %s", apperr.ErrNoWaypoints, deliveryID))
	}

	bundle := &Bundle{
		Version:    BundleVersion,
		Kind:       kind.String(),
		DeliveryID: deliveryID,
		Waypoints:  make([]BundleWaypoint, 0, len(waypoints)),
		Metadata: BundleMetadata{
			Count:       len(waypoints),
			GeneratedAt: p.now().UTC(),
		},
		PhotoRef: photoRef,
	}
	ids := make([]string, 0, len(waypoints))
	for _, w := range waypoints {
		ids = append(ids, w.ID)
		bundle.Waypoints = append(bundle.Waypoints, BundleWaypoint{
			Latitude:   w.Latitude,
			Longitude:  w.Longitude,
			Accuracy:   w.Accuracy,
			RecordedAt: w.RecordedAt.UTC(),
		})
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal proof bundle: %w", err)
	}
	return data, bundle, ids, nil
}

// PackageAndUpload packages the trail and adds it to the content store.
func (p *Packager) PackageAndUpload(ctx context.Context, deliveryID string, kind chain.ProofKind, photoRef string) (*Packaged, error) {
	data, bundle, ids, err := p.pack(ctx, deliveryID, kind, photoRef)
	if err != nil {
		return nil, err
	}

	c, err := p.store.Add(ctx, data)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Packaged proof bundle",
		zap.String("delivery_id", deliveryID),
		zap.String("kind", bundle.Kind),
		zap.Int("waypoints", bundle.Metadata.Count),
		zap.String("cid", c.String()))
	return &Packaged{CID: c, Bundle: bundle, Size: len(data), WaypointIDs: ids}, nil
}

// DecodeBundle parses a stored proof bundle
func DecodeBundle(data []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode proof bundle: %w", err)
	}
	return &bundle, nil
}
