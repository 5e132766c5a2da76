package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"custody/apps/custody/internal/proof"
)

type ProofSubmitter interface {
	SubmitHandoffProof(ctx context.Context, req proof.HandoffRequest) (*proof.Result, error)
	SubmitDeliveryProof(ctx context.Context, req proof.DeliveryRequest) (*proof.Result, error)
}

// ProofHandler handles custody proof endpoints
type ProofHandler struct {
	responder
	submitter ProofSubmitter
}

// NewProofHandler creates a new proof handler
func NewProofHandler(submitter ProofSubmitter, logger *zap.Logger) *ProofHandler {
	return &ProofHandler{responder: responder{logger: logger}, submitter: submitter}
}

// SubmitHandoff handles POST /api/deliveries/{delivery_id}/proofs/handoff
func (h *ProofHandler) SubmitHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	result, err := h.submitter.SubmitHandoffProof(r.Context(), proof.HandoffRequest{
		DeliveryID:     mux.Vars(r)["delivery_id"],
		SellerAddress:  req.SellerAddress,
		CourierAddress: req.CourierAddress,
		Signer:         req.Signer,
	})
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, result)
}

// SubmitDelivery handles POST /api/deliveries/{delivery_id}/proofs/delivery
func (h *ProofHandler) SubmitDelivery(w http.ResponseWriter, r *http.Request) {
	var req DeliveryProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	result, err := h.submitter.SubmitDeliveryProof(r.Context(), proof.DeliveryRequest{
		DeliveryID:       mux.Vars(r)["delivery_id"],
		CourierAddress:   req.CourierAddress,
		RecipientAddress: req.RecipientAddress,
		Signer:           req.Signer,
		PhotoRef:         req.PhotoRef,
	})
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, result)
}
