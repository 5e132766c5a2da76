package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	trackingHandler *TrackingHandler
	proofHandler    *ProofHandler
	escrowHandler   *EscrowHandler
	gatherer        prometheus.Gatherer
	logger          *zap.Logger
	server          *http.Server
}

// NewServer creates a new API server
func NewServer(port int, ledger WaypointLedger, submitter ProofSubmitter, reconciler EscrowReconciler, inspector EscrowInspector, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		trackingHandler: NewTrackingHandler(ledger, logger),
		proofHandler:    NewProofHandler(submitter, logger),
		escrowHandler:   NewEscrowHandler(reconciler, inspector, logger),
		gatherer:        gatherer,
		logger:          logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute, // proof submission waits for a receipt
			IdleTimeout:  60 * time.Second,
		},
	}
	s.server.Handler = s.setupRoutes()
	return s
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// API routes
	api := router.PathPrefix("/api").Subrouter()

	// Tracking endpoints
	api.HandleFunc("/deliveries/{delivery_id}/waypoints", s.trackingHandler.RecordWaypoint).Methods("POST")
	api.HandleFunc("/deliveries/{delivery_id}/waypoints", s.trackingHandler.GetWaypoints).Methods("GET")
	api.HandleFunc("/deliveries/{delivery_id}/waypoints/last", s.trackingHandler.GetLastWaypoint).Methods("GET")
	api.HandleFunc("/deliveries/{delivery_id}/stats", s.trackingHandler.GetStats).Methods("GET")
	api.HandleFunc("/deliveries/{delivery_id}/route", s.trackingHandler.GetRoute).Methods("GET")

	// Proof endpoints
	api.HandleFunc("/deliveries/{delivery_id}/proofs/handoff", s.proofHandler.SubmitHandoff).Methods("POST")
	api.HandleFunc("/deliveries/{delivery_id}/proofs/delivery", s.proofHandler.SubmitDelivery).Methods("POST")

	// Escrow endpoints
	api.HandleFunc("/escrow/reconcile", s.escrowHandler.Reconcile).Methods("POST")
	api.HandleFunc("/escrow/stats", s.escrowHandler.GetStats).Methods("GET")
	api.HandleFunc("/escrow/orders/{chain_order_id}", s.escrowHandler.GetEscrow).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Call the next handler
		next.ServeHTTP(w, r)

		// Log the request
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health check response", zap.Error(err))
	}
}
