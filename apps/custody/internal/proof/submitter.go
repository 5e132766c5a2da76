package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
)

type OrderLookup interface {
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
}

type ProofWriter interface {
	SubmitProof(ctx context.Context, orderID uint64, kind chain.ProofKind, cid string, attestor common.Address, signer *chain.Signer) (chain.TxResult, error)
}

type ProofMarker interface {
	MarkProofSubmitted(ctx context.Context, deliveryID, cid string, waypointIDs []string) (int64, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry model.EscrowLog) error
}

type SignerResolver interface {
	Get(alias string) (*chain.Signer, error)
}

// HandoffRequest anchors the seller to courier custody transfer. Signer is a keyring alias
// whose address must be the seller's.
type HandoffRequest struct {
	DeliveryID     string
	SellerAddress  string
	CourierAddress string
	Signer         string
}

// DeliveryRequest anchors the courier to recipient custody transfer. Signer must resolve
// to the courier's address.
type DeliveryRequest struct {
	DeliveryID       string
	CourierAddress   string
	RecipientAddress string
	Signer           string
	PhotoRef         string
}

type Result struct {
	DeliveryID      string `json:"delivery_id"`
	Kind            string `json:"kind"`
	CID             string `json:"cid"`
	TxHash          string `json:"tx_hash"`
	BlockNumber     uint64 `json:"block_number"`
	WaypointCount   int    `json:"waypoint_count"`
	WaypointsMarked int64  `json:"waypoints_marked"`
}

type Submitter struct {
	packager *Packager
	orders   OrderLookup
	chain    ProofWriter
	ledger   ProofMarker
	audit    AuditLog
	signers  SignerResolver
	logger   *zap.Logger
}

// NewSubmitter creates a new proof submitter
func NewSubmitter(packager *Packager, orders OrderLookup, writer ProofWriter, ledger ProofMarker, audit AuditLog, signers SignerResolver, logger *zap.Logger) *Submitter {
	return &Submitter{
		packager: packager,
		orders:   orders,
		chain:    writer,
		ledger:   ledger,
		audit:    audit,
		signers:  signers,
		logger:   logger,
	}
}

type attestation struct {
	deliveryID string
	kind       chain.ProofKind
	party      string // address the signer must control
	attestor   string
	signer     string
	photoRef   string
}

// SubmitHandoffProof packages the trail and anchors a seller to courier handoff
func (s *Submitter) SubmitHandoffProof(ctx context.Context, req HandoffRequest) (*Result, error) {
	return s.submit(ctx, attestation{
		deliveryID: req.DeliveryID,
		kind:       chain.ProofKindHandoff,
		party:      req.SellerAddress,
		attestor:   req.CourierAddress,
		signer:     req.Signer,
	})
}

// SubmitDeliveryProof packages the trail and anchors a courier to recipient delivery
func (s *Submitter) SubmitDeliveryProof(ctx context.Context, req DeliveryRequest) (*Result, error) {
	return s.submit(ctx, attestation{
		deliveryID: req.DeliveryID,
		kind:       chain.ProofKindDelivery,
		party:      req.CourierAddress,
		attestor:   req.RecipientAddress,
		signer:     req.Signer,
		photoRef:   req.PhotoRef,
	})
}

func (s *Submitter) submit(ctx context.Context, a attestation) (*Result, error) {
	op := "submit " + a.kind.String() + " proof"

	if strings.TrimSpace(a.deliveryID) == "" {
		return nil, apperr.Validation(op, fmt.Errorf("delivery id is required"))
	}
	if !common.IsHexAddress(a.party) {
		return nil, apperr.Validation(op, fmt.Errorf("invalid signer party address: %q", a.party))
	}
	if !common.IsHexAddress(a.attestor) {
		return nil, apperr.Validation(op, fmt.Errorf("invalid attestor address: %q", a.attestor))
	}

	signer, err := s.signers.Get(a.signer)
	if err != nil {
		return nil, err
	}
	if signer.Address() != common.HexToAddress(a.party) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s signs as %s, expected %s",
			apperr.ErrSignerMismatch, a.signer, signer.Address().Hex(), common.HexToAddress(a.party).Hex()))
	}

	order, err := s.orders.GetOrderByID(ctx, a.deliveryID)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if order == nil {
		return nil, apperr.Precondition(op, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, a.deliveryID))
	}
	if order.ChainOrderID == nil {
		return nil, apperr.Precondition(op, fmt.Errorf("%w: %s", apperr.ErrNoChainOrderID, a.deliveryID))
	}
	if a.kind == chain.ProofKindHandoff && order.SellerAddress != "" &&
		!strings.EqualFold(order.SellerAddress, common.HexToAddress(a.party).Hex()) {
		return nil, apperr.Validation(op, fmt.Errorf("%w: %s is not the seller of order %s",
			apperr.ErrSignerMismatch, a.party, a.deliveryID))
	}

	packaged, err := s.packager.PackageAndUpload(ctx, a.deliveryID, a.kind, a.photoRef)
	if err != nil {
		return nil, err
	}
	cidStr := packaged.CID.String()

	tx, err := s.chain.SubmitProof(ctx, *order.ChainOrderID, a.kind, cidStr, common.HexToAddress(a.attestor), signer)
	if err != nil {
		s.logger.Error("Failed to anchor proof",
			zap.String("delivery_id", a.deliveryID),
			zap.String("cid", cidStr),
			zap.Error(err))
		return nil, err
	}

	// only rows inside the anchored bundle; samples recorded while the tx was pending stay unproven
	marked, err := s.ledger.MarkProofSubmitted(ctx, a.deliveryID, cidStr, packaged.WaypointIDs)
	if err != nil {
		return nil, err
	}

	result := &Result{
		DeliveryID:      a.deliveryID,
		Kind:            a.kind.String(),
		CID:             cidStr,
		TxHash:          tx.TxHash,
		BlockNumber:     tx.BlockNumber,
		WaypointCount:   packaged.Bundle.Metadata.Count,
		WaypointsMarked: marked,
	}
	metrics.ProofsSubmittedTotal.WithLabelValues(result.Kind).Inc()

	payload, err := json.Marshal(map[string]interface{}{
		"kind":             result.Kind,
		"cid":              result.CID,
		"tx_hash":          result.TxHash,
		"block_number":     result.BlockNumber,
		"chain_order_id":   *order.ChainOrderID,
		"signer":           signer.Address().Hex(),
		"attestor":         common.HexToAddress(a.attestor).Hex(),
		"waypoints_marked": marked,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	if err := s.audit.Append(ctx, model.EscrowLog{
		OrderID: a.deliveryID,
		Action:  model.ActionProofSubmitted,
		Payload: payload,
	}); err != nil {
		// proof is already anchored on chain
		s.logger.Error("Failed to append proof audit log", zap.String("delivery_id", a.deliveryID), zap.Error(err))
	}

	s.logger.Info("Proof submitted",
		zap.String("delivery_id", a.deliveryID),
		zap.String("kind", result.Kind),
		zap.String("cid", cidStr),
		zap.String("tx_hash", tx.TxHash),
		zap.Int64("waypoints_marked", marked))
	return result, nil
}
