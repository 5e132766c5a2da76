package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/escrow"
)

const (
	disputeStatusActive  = "ACTIVE"
	disputeStatusNone    = "NONE"
	disputeStatusUnknown = "UNKNOWN"
)

type EscrowReconciler interface {
	RunOnce(ctx context.Context) (escrow.Stats, error)
	GetStats() escrow.Stats
}

// EscrowInspector is the read side of the chain client.
type EscrowInspector interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	QueryEscrow(ctx context.Context, orderID uint64) (chain.Escrow, bool, error)
	ActiveDispute(ctx context.Context, orderID uint64) (bool, error)
}

// EscrowHandler exposes the auto-release reconciler
type EscrowHandler struct {
	responder
	reconciler EscrowReconciler
	inspector  EscrowInspector
}

// NewEscrowHandler creates a new escrow handler
func NewEscrowHandler(reconciler EscrowReconciler, inspector EscrowInspector, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{responder: responder{logger: logger}, reconciler: reconciler, inspector: inspector}
}

// Reconcile handles POST /api/escrow/reconcile
func (h *EscrowHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	// a client disconnect must not abort an in-flight run
	stats, err := h.reconciler.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, stats)
}

// GetStats handles GET /api/escrow/stats
func (h *EscrowHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.reconciler.GetStats())
}

// GetEscrow handles GET /api/escrow/orders/{chain_order_id}
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	chainOrderID, err := strconv.ParseUint(mux.Vars(r)["chain_order_id"], 10, 64)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_chain_order_id", "Chain order id must be an unsigned integer")
		return
	}

	currentBlock, err := h.inspector.CurrentBlockHeight(r.Context())
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	escrowInfo, found, err := h.inspector.QueryEscrow(r.Context(), chainOrderID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if !found {
		h.writeErrorResponse(w, http.StatusNotFound, "escrow_not_found", "No escrow is locked for this order")
		return
	}

	response := EscrowResponse{
		ChainOrderID:  chainOrderID,
		Status:        escrowInfo.Status.String(),
		LockedAt:      escrowInfo.LockedAt,
		CurrentBlock:  currentBlock,
		DisputeStatus: disputeStatusNone,
	}
	if currentBlock > escrowInfo.LockedAt {
		response.BlocksElapsed = currentBlock - escrowInfo.LockedAt
	}

	active, err := h.inspector.ActiveDispute(r.Context(), chainOrderID)
	switch {
	case err != nil:
		h.logger.Warn("Dispute lookup failed", zap.Uint64("chain_order_id", chainOrderID), zap.Error(err))
		response.DisputeStatus = disputeStatusUnknown
	case active:
		response.DisputeStatus = disputeStatusActive
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}
