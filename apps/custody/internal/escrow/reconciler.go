package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
)

// Skip reasons, used as metric labels and in AUTO_RELEASE_SKIPPED audit rows.
const (
	ReasonEscrowAbsent     = "ESCROW_ABSENT"
	ReasonEscrowNotLocked  = "ESCROW_NOT_LOCKED"
	ReasonDisputeUncertain = "DISPUTE_UNCERTAIN"
	ReasonDisputeActive    = "DISPUTE_ACTIVE"
	ReasonDeadlinePending  = "DEADLINE_PENDING"
)

type ChainReader interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	QueryEscrow(ctx context.Context, orderID uint64) (chain.Escrow, bool, error)
	ActiveDispute(ctx context.Context, orderID uint64) (bool, error)
}

type ChainWriter interface {
	ReleaseFunds(ctx context.Context, orderID uint64) (chain.TxResult, error)
}

type Chain interface {
	ChainReader
	ChainWriter
}

type OrderLedger interface {
	ListReleaseCandidates(ctx context.Context) ([]model.Order, error)
	MarkReleased(ctx context.Context, orderID, txHash string) (bool, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry model.EscrowLog) error
}

type ReleaseCalculator interface {
	AutoReleaseBlocks(estimatedDays *int, shippingMethod string) uint64
}

// Stats describes the most recent completed run.
type Stats struct {
	Checked      int        `json:"checked"`
	Eligible     int        `json:"eligible"`
	Released     int        `json:"released"`
	Repaired     int        `json:"repaired"`
	Skipped      int        `json:"skipped"`
	Errors       int        `json:"errors"`
	CurrentBlock uint64     `json:"current_block"`
	DryRun       bool       `json:"dry_run"`
	DurationMs   int64      `json:"duration_ms"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	Running      bool       `json:"running"`
}

// Reconciler releases escrows whose delivery window has elapsed. Any doubt about a
// dispute withholds the release for the cycle.
type Reconciler struct {
	chain      Chain
	orders     OrderLedger
	audit      AuditLog
	calculator ReleaseCalculator
	dryRun     bool
	logger     *zap.Logger
	now        func() time.Time

	running atomic.Bool

	mu    sync.RWMutex
	stats Stats

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewReconciler creates a new escrow reconciler
func NewReconciler(client Chain, orders OrderLedger, audit AuditLog, calculator ReleaseCalculator, dryRun bool, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		chain:      client,
		orders:     orders,
		audit:      audit,
		calculator: calculator,
		dryRun:     dryRun,
		logger:     logger,
		now:        time.Now,
		stats:      Stats{DryRun: dryRun},
	}
}

// Start runs a reconciliation immediately and then every interval until Stop.
func (r *Reconciler) Start(interval time.Duration) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, interval, r.done)
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (r *Reconciler) Stop() {
	r.lifecycleMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting escrow reconciler",
		zap.Duration("interval", interval),
		zap.Bool("dry_run", r.dryRun))

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Escrow reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	// a started run is never aborted by Stop
	if _, err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, apperr.ErrRunInProgress) {
			r.logger.Info("Skipping reconciliation tick, previous run still in progress")
			return
		}
		r.logger.Error("Reconciliation run failed", zap.Error(err))
	}
}

// GetStats returns the last completed run and whether a run is in progress
func (r *Reconciler) GetStats() Stats {
	r.mu.RLock()
	stats := r.stats
	r.mu.RUnlock()
	stats.Running = r.running.Load()
	return stats
}

// RunOnce performs one reconciliation pass. It returns ErrRunInProgress without
// side effects when another pass is running.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Stats{}, apperr.ErrRunInProgress
	}
	defer r.running.Store(false)

	started := r.now()
	stats := Stats{DryRun: r.dryRun}

	currentBlock, err := r.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get current block: %w", err)
	}
	stats.CurrentBlock = currentBlock

	orders, err := r.orders.ListReleaseCandidates(ctx)
	if err != nil {
		return stats, apperr.Transient("list release candidates", err)
	}

	for _, order := range orders {
		r.processOrder(ctx, order, currentBlock, &stats)
	}

	finished := r.now()
	stats.LastRun = &finished
	stats.DurationMs = finished.Sub(started).Milliseconds()

	metrics.ReconcileDuration.Observe(finished.Sub(started).Seconds())
	metrics.ReconcileLastRun.Set(float64(finished.Unix()))

	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()

	r.logger.Info("Reconciliation run complete",
		zap.Uint64("block", currentBlock),
		zap.Int("checked", stats.Checked),
		zap.Int("eligible", stats.Eligible),
		zap.Int("released", stats.Released),
		zap.Int("repaired", stats.Repaired),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Bool("dry_run", r.dryRun),
		zap.Int64("duration_ms", stats.DurationMs))
	return stats, nil
}

// processOrder never lets one order's failure escape into the batch.
func (r *Reconciler) processOrder(ctx context.Context, order model.Order, currentBlock uint64, stats *Stats) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic while reconciling order",
				zap.String("order_id", order.OrderID),
				zap.Any("panic", p))
			stats.Errors++
			metrics.ReleaseErrorsTotal.Inc()
		}
	}()

	stats.Checked++
	metrics.OrdersCheckedTotal.Inc()

	if order.ChainOrderID == nil {
		r.skip(stats, order, ReasonEscrowAbsent)
		return
	}
	chainOrderID := *order.ChainOrderID

	escrow, found, err := r.chain.QueryEscrow(ctx, chainOrderID)
	if err != nil {
		r.logger.Error("Failed to query escrow",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID),
			zap.Bool("retryable", apperr.IsRetryable(err)),
			zap.Error(err))
		stats.Errors++
		metrics.ReleaseErrorsTotal.Inc()
		return
	}
	if !found {
		r.skip(stats, order, ReasonEscrowAbsent)
		return
	}
	if escrow.Status == chain.EscrowReleased {
		r.repairReleased(ctx, order, chainOrderID, currentBlock, stats)
		return
	}
	if escrow.Status != chain.EscrowLocked {
		r.skip(stats, order, ReasonEscrowNotLocked)
		return
	}

	active, err := r.chain.ActiveDispute(ctx, chainOrderID)
	if err != nil {
		r.logger.Warn("Dispute status unknown, withholding release",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID),
			zap.Error(err))
		r.skip(stats, order, ReasonDisputeUncertain)
		r.appendLog(ctx, order.OrderID, model.ActionAutoReleaseSkipped, map[string]interface{}{
			"reason":         ReasonDisputeUncertain,
			"chain_order_id": chainOrderID,
			"current_block":  currentBlock,
			"error":          err.Error(),
		})
		return
	}
	if active {
		r.logger.Info("Active dispute, withholding release",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID))
		r.skip(stats, order, ReasonDisputeActive)
		r.appendLog(ctx, order.OrderID, model.ActionAutoReleaseSkipped, map[string]interface{}{
			"reason":         ReasonDisputeActive,
			"chain_order_id": chainOrderID,
			"current_block":  currentBlock,
		})
		return
	}

	var blocksElapsed uint64
	if currentBlock > escrow.LockedAt {
		blocksElapsed = currentBlock - escrow.LockedAt
	}
	autoReleaseBlocks := r.autoReleaseBlocks(order)

	if blocksElapsed < autoReleaseBlocks {
		r.logger.Debug("Release deadline not reached",
			zap.String("order_id", order.OrderID),
			zap.Uint64("blocks_elapsed", blocksElapsed),
			zap.Uint64("auto_release_blocks", autoReleaseBlocks))
		r.skip(stats, order, ReasonDeadlinePending)
		return
	}
	stats.Eligible++

	if r.dryRun {
		r.logger.Info("Dry run: would release escrow",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID),
			zap.Uint64("blocks_elapsed", blocksElapsed),
			zap.Uint64("auto_release_blocks", autoReleaseBlocks))
		return
	}

	details := map[string]interface{}{
		"chain_order_id":      chainOrderID,
		"current_block":       currentBlock,
		"locked_at":           escrow.LockedAt,
		"blocks_elapsed":      blocksElapsed,
		"auto_release_blocks": autoReleaseBlocks,
	}

	releaseStarted := r.now()
	tx, err := r.chain.ReleaseFunds(ctx, chainOrderID)
	if err != nil {
		r.logger.Error("Failed to release escrow",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID),
			zap.Bool("retryable", apperr.IsRetryable(err)),
			zap.Error(err))
		stats.Errors++
		metrics.ReleaseErrorsTotal.Inc()
		details["error"] = err.Error()
		details["retryable"] = apperr.IsRetryable(err)
		r.appendLog(ctx, order.OrderID, model.ActionAutoReleaseError, details)
		return
	}
	details["tx_hash"] = tx.TxHash
	details["block_number"] = tx.BlockNumber
	details["duration_ms"] = r.now().Sub(releaseStarted).Milliseconds()

	updated, err := r.orders.MarkReleased(ctx, order.OrderID, tx.TxHash)
	if err != nil {
		r.logger.Error("Escrow released on chain but order update failed",
			zap.String("order_id", order.OrderID),
			zap.String("tx_hash", tx.TxHash),
			zap.Error(err))
		stats.Errors++
		metrics.ReleaseErrorsTotal.Inc()
		details["error"] = err.Error()
		r.appendLog(ctx, order.OrderID, model.ActionAutoReleaseError, details)
		return
	}
	if !updated {
		r.logger.Warn("Order changed status during release",
			zap.String("order_id", order.OrderID),
			zap.String("tx_hash", tx.TxHash))
	}

	stats.Released++
	metrics.OrdersReleasedTotal.Inc()
	r.appendLog(ctx, order.OrderID, model.ActionAutoRelease, details)

	r.logger.Info("Auto-released escrow",
		zap.String("order_id", order.OrderID),
		zap.Uint64("chain_order_id", chainOrderID),
		zap.String("tx_hash", tx.TxHash),
		zap.Uint64("block", tx.BlockNumber))
}

// repairReleased converges an order whose escrow is already released on chain,
// e.g. after the order update failed following a successful release. No
// transaction is sent.
func (r *Reconciler) repairReleased(ctx context.Context, order model.Order, chainOrderID, currentBlock uint64, stats *Stats) {
	if r.dryRun {
		r.logger.Info("Dry run: would mark order released to match chain",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID))
		r.skip(stats, order, ReasonEscrowNotLocked)
		return
	}

	updated, err := r.orders.MarkReleased(ctx, order.OrderID, "")
	if err != nil {
		r.logger.Error("Failed to repair released order",
			zap.String("order_id", order.OrderID),
			zap.Uint64("chain_order_id", chainOrderID),
			zap.Bool("retryable", apperr.IsRetryable(err)),
			zap.Error(err))
		stats.Errors++
		metrics.ReleaseErrorsTotal.Inc()
		return
	}
	if !updated {
		r.skip(stats, order, ReasonEscrowNotLocked)
		return
	}

	stats.Repaired++
	r.appendLog(ctx, order.OrderID, model.ActionReleaseRepaired, map[string]interface{}{
		"chain_order_id": chainOrderID,
		"current_block":  currentBlock,
		"escrow_status":  chain.EscrowReleased.String(),
	})
	r.logger.Warn("Order was behind chain, marked released",
		zap.String("order_id", order.OrderID),
		zap.Uint64("chain_order_id", chainOrderID))
}

func (r *Reconciler) autoReleaseBlocks(order model.Order) uint64 {
	if order.AutoReleaseBlocks != nil {
		return *order.AutoReleaseBlocks
	}
	return r.calculator.AutoReleaseBlocks(order.EstimatedDeliveryDays, order.ShippingMethod)
}

func (r *Reconciler) skip(stats *Stats, order model.Order, reason string) {
	stats.Skipped++
	metrics.OrdersSkippedTotal.WithLabelValues(reason).Inc()
	r.logger.Debug("Skipping order", zap.String("order_id", order.OrderID), zap.String("reason", reason))
}

func (r *Reconciler) appendLog(ctx context.Context, orderID, action string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal escrow log payload", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if err := r.audit.Append(ctx, model.EscrowLog{OrderID: orderID, Action: action, Payload: data}); err != nil {
		r.logger.Error("Failed to append escrow log",
			zap.String("order_id", orderID),
			zap.String("action", action),
			zap.Error(err))
	}
}
