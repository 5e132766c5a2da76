package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/model"
)

type fakeChain struct {
	mu sync.Mutex

	block       uint64
	blockErr    error
	escrows     map[uint64]chain.Escrow
	escrowErr   map[uint64]error
	disputes    map[uint64]bool
	disputeErr  map[uint64]error
	releaseErr  error
	released    []uint64
	blockGate   chan struct{}
	blockCalled chan struct{}
}

func newFakeChain(block uint64) *fakeChain {
	return &fakeChain{
		block:      block,
		escrows:    make(map[uint64]chain.Escrow),
		escrowErr:  make(map[uint64]error),
		disputes:   make(map[uint64]bool),
		disputeErr: make(map[uint64]error),
	}
}

func (f *fakeChain) lock(orderID, lockedAt uint64) {
	f.escrows[orderID] = chain.Escrow{OrderID: orderID, Status: chain.EscrowLocked, LockedAt: lockedAt}
}

func (f *fakeChain) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	if f.blockCalled != nil {
		close(f.blockCalled)
	}
	if f.blockGate != nil {
		<-f.blockGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, f.blockErr
}

func (f *fakeChain) QueryEscrow(ctx context.Context, orderID uint64) (chain.Escrow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.escrowErr[orderID]; err != nil {
		return chain.Escrow{}, false, err
	}
	escrow, ok := f.escrows[orderID]
	if !ok || escrow.Status == chain.EscrowNone {
		return chain.Escrow{}, false, nil
	}
	return escrow, true, nil
}

func (f *fakeChain) ActiveDispute(ctx context.Context, orderID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.disputeErr[orderID]; err != nil {
		return false, err
	}
	return f.disputes[orderID], nil
}

func (f *fakeChain) ReleaseFunds(ctx context.Context, orderID uint64) (chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return chain.TxResult{}, f.releaseErr
	}
	escrow := f.escrows[orderID]
	escrow.Status = chain.EscrowReleased
	f.escrows[orderID] = escrow
	f.released = append(f.released, orderID)
	return chain.TxResult{TxHash: fmt.Sprintf("0xtx%d", orderID), BlockNumber: f.block + 1}, nil
}

type fakeOrders struct {
	mu      sync.Mutex
	orders  map[string]*model.Order
	intents map[string]string
	markErr error
}

func newFakeOrders(orders ...model.Order) *fakeOrders {
	f := &fakeOrders{orders: make(map[string]*model.Order), intents: make(map[string]string)}
	for i := range orders {
		o := orders[i]
		f.orders[o.OrderID] = &o
	}
	return f
}

func (f *fakeOrders) ListReleaseCandidates(ctx context.Context) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Order
	for _, o := range f.orders {
		if (o.Status == model.OrderStatusEscrowed || o.Status == model.OrderStatusShipped) && o.ChainOrderID != nil {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (f *fakeOrders) MarkReleased(ctx context.Context, orderID, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return false, f.markErr
	}
	o, ok := f.orders[orderID]
	if !ok || (o.Status != model.OrderStatusEscrowed && o.Status != model.OrderStatusShipped) {
		return false, nil
	}
	o.Status = model.OrderStatusReleased
	if txHash != "" {
		f.intents[orderID] = txHash
	}
	return true, nil
}

func (f *fakeOrders) status(orderID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID].Status
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []model.EscrowLog
}

func (m *memoryAudit) Append(ctx context.Context, entry model.EscrowLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAudit) byAction(action string) []model.EscrowLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EscrowLog
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func payloadReason(t *testing.T, entry model.EscrowLog) string {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	reason, _ := payload["reason"].(string)
	return reason
}

func u64(v uint64) *uint64 { return &v }
func intp(v int) *int      { return &v }

func shippedOrder(id string, chainID uint64, window uint64) model.Order {
	return model.Order{
		OrderID:           id,
		Status:            model.OrderStatusShipped,
		ChainOrderID:      u64(chainID),
		ShippingMethod:    "STANDARD",
		AutoReleaseBlocks: u64(window),
	}
}

func newTestReconciler(c *fakeChain, orders *fakeOrders, dryRun bool) (*Reconciler, *memoryAudit) {
	audit := &memoryAudit{}
	r := NewReconciler(c, orders, audit, NewDeliveryWindowCalculator(7200, 7), dryRun, zap.NewNop())
	return r, audit
}

func TestReleaseAtDeadlineBoundary(t *testing.T) {
	c := newFakeChain(1099)
	c.lock(1, 1000)
	orders := newFakeOrders(shippedOrder("order-1", 1, 100))
	r, audit := newTestReconciler(c, orders, false)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 0, stats.Released)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))
	assert.Empty(t, c.released)
	assert.Empty(t, audit.entries)

	c.block = 1100
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 1, stats.Eligible)
	assert.Equal(t, uint64(1100), stats.CurrentBlock)
	assert.Equal(t, model.OrderStatusReleased, orders.status("order-1"))
	assert.Equal(t, "0xtx1", orders.intents["order-1"])
	assert.Equal(t, []uint64{1}, c.released)

	releases := audit.byAction(model.ActionAutoRelease)
	require.Len(t, releases, 1)
	assert.Equal(t, "order-1", releases[0].OrderID)
	assert.Contains(t, string(releases[0].Payload), `"tx_hash":"0xtx1"`)
}

func TestNeverReleasesWithoutLockedEscrowOrCleanDispute(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(c *fakeChain)
		wantAudit   string
		wantErrors  int
		wantSkipped int
	}{
		{
			name:        "EscrowAbsent",
			setup:       func(c *fakeChain) {},
			wantSkipped: 1,
		},
		{
			name: "EscrowRefunded",
			setup: func(c *fakeChain) {
				c.escrows[1] = chain.Escrow{OrderID: 1, Status: chain.EscrowRefunded, LockedAt: 10}
			},
			wantSkipped: 1,
		},
		{
			name: "EscrowDisputed",
			setup: func(c *fakeChain) {
				c.escrows[1] = chain.Escrow{OrderID: 1, Status: chain.EscrowDisputed, LockedAt: 10}
			},
			wantSkipped: 1,
		},
		{
			name: "DisputeOracleFails",
			setup: func(c *fakeChain) {
				c.lock(1, 10)
				c.disputeErr[1] = apperr.UncertainOracle("dispute lookup", errors.New("rpc timeout"))
			},
			wantAudit:   ReasonDisputeUncertain,
			wantSkipped: 1,
		},
		{
			name: "DisputeActive",
			setup: func(c *fakeChain) {
				c.lock(1, 10)
				c.disputes[1] = true
			},
			wantAudit:   ReasonDisputeActive,
			wantSkipped: 1,
		},
		{
			name: "EscrowQueryFails",
			setup: func(c *fakeChain) {
				c.escrowErr[1] = apperr.Transient("query escrow", errors.New("connection reset"))
			},
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeChain(1_000_000)
			tt.setup(c)
			orders := newFakeOrders(shippedOrder("order-1", 1, 1))
			r, audit := newTestReconciler(c, orders, false)

			stats, err := r.RunOnce(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, stats.Checked)
			assert.Equal(t, 0, stats.Released)
			assert.Equal(t, tt.wantSkipped, stats.Skipped)
			assert.Equal(t, tt.wantErrors, stats.Errors)
			assert.Empty(t, c.released)
			assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))

			skipped := audit.byAction(model.ActionAutoReleaseSkipped)
			if tt.wantAudit == "" {
				assert.Empty(t, skipped)
			} else {
				require.Len(t, skipped, 1)
				assert.Equal(t, tt.wantAudit, payloadReason(t, skipped[0]))
			}
			assert.Empty(t, audit.byAction(model.ActionAutoRelease))
		})
	}
}

func TestSecondRunDoesNotReleaseAgain(t *testing.T) {
	c := newFakeChain(5000)
	c.lock(1, 100)
	c.lock(2, 100)
	orders := newFakeOrders(shippedOrder("order-1", 1, 10), shippedOrder("order-2", 2, 10))
	r, audit := newTestReconciler(c, orders, false)

	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Released)

	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Released)
	assert.Equal(t, 0, second.Checked)

	assert.ElementsMatch(t, []uint64{1, 2}, c.released)
	assert.Len(t, audit.byAction(model.ActionAutoRelease), 2)
}

func TestOrderUpdateFailureIsRepairedFromChain(t *testing.T) {
	c := newFakeChain(5000)
	c.lock(1, 100)
	orders := newFakeOrders(shippedOrder("order-1", 1, 10))
	orders.markErr = errors.New("connection reset")
	r, audit := newTestReconciler(c, orders, false)

	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Errors)
	assert.Equal(t, 0, first.Released)
	assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))
	releaseErrors := audit.byAction(model.ActionAutoReleaseError)
	require.Len(t, releaseErrors, 1)
	assert.Contains(t, string(releaseErrors[0].Payload), `"tx_hash":"0xtx1"`)

	orders.markErr = nil
	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Repaired)
	assert.Equal(t, 0, second.Released)
	assert.Equal(t, 0, second.Skipped)
	assert.Equal(t, 0, second.Errors)
	assert.Equal(t, model.OrderStatusReleased, orders.status("order-1"))
	assert.Equal(t, []uint64{1}, c.released, "repair must not send another release")
	assert.Len(t, audit.byAction(model.ActionReleaseRepaired), 1)

	third, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Checked)
}

func TestReleasedEscrowRepairSuppressedInDryRun(t *testing.T) {
	c := newFakeChain(5000)
	c.escrows[1] = chain.Escrow{OrderID: 1, Status: chain.EscrowReleased, LockedAt: 10}
	orders := newFakeOrders(shippedOrder("order-1", 1, 10))
	r, audit := newTestReconciler(c, orders, true)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Repaired)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))
	assert.Empty(t, audit.entries)
}

func TestReleaseFailureIsAuditedAndRetried(t *testing.T) {
	c := newFakeChain(5000)
	c.lock(1, 100)
	c.releaseErr = apperr.ChainWrite("release funds", errors.New("nonce too low"))
	orders := newFakeOrders(shippedOrder("order-1", 1, 10))
	r, audit := newTestReconciler(c, orders, false)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Eligible)
	assert.Equal(t, 0, stats.Released)
	assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))

	failures := audit.byAction(model.ActionAutoReleaseError)
	require.Len(t, failures, 1)
	assert.Contains(t, string(failures[0].Payload), "nonce too low")
	assert.Contains(t, string(failures[0].Payload), `"retryable":true`)

	c.releaseErr = nil
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, model.OrderStatusReleased, orders.status("order-1"))
}

func TestOneFailingOrderDoesNotAbortBatch(t *testing.T) {
	c := newFakeChain(5000)
	c.escrowErr[1] = errors.New("boom")
	c.lock(2, 100)
	orders := newFakeOrders(shippedOrder("order-1", 1, 10), shippedOrder("order-2", 2, 10))
	r, _ := newTestReconciler(c, orders, false)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, model.OrderStatusReleased, orders.status("order-2"))
}

func TestDryRunSuppressesRelease(t *testing.T) {
	c := newFakeChain(5000)
	c.lock(1, 100)
	orders := newFakeOrders(shippedOrder("order-1", 1, 10))
	r, audit := newTestReconciler(c, orders, true)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.Equal(t, 1, stats.Eligible)
	assert.Equal(t, 0, stats.Released)
	assert.Empty(t, c.released)
	assert.Empty(t, audit.entries)
	assert.Equal(t, model.OrderStatusShipped, orders.status("order-1"))
}

func TestRunAbortsWhenBlockHeightUnavailable(t *testing.T) {
	c := newFakeChain(0)
	c.blockErr = apperr.Transient("current block height", errors.New("dial tcp: connection refused"))
	c.lock(1, 0)
	orders := newFakeOrders(shippedOrder("order-1", 1, 0))
	r, _ := newTestReconciler(c, orders, false)

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, c.released)
	assert.Nil(t, r.GetStats().LastRun)
}

func TestCalculatedWindowWhenOrderHasNone(t *testing.T) {
	calc := NewDeliveryWindowCalculator(7200, 7)
	window := calc.AutoReleaseBlocks(intp(2), "EXPRESS")

	c := newFakeChain(1000 + window - 1)
	c.lock(1, 1000)
	o := shippedOrder("order-1", 1, 0)
	o.AutoReleaseBlocks = nil
	o.EstimatedDeliveryDays = intp(2)
	o.ShippingMethod = "EXPRESS"
	orders := newFakeOrders(o)
	r, _ := newTestReconciler(c, orders, false)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Released)

	c.block = 1000 + window
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	c := newFakeChain(5000)
	c.blockGate = make(chan struct{})
	c.blockCalled = make(chan struct{})
	r, _ := newTestReconciler(c, newFakeOrders(), false)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background())
		done <- err
	}()

	<-c.blockCalled
	assert.True(t, r.GetStats().Running)

	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, apperr.ErrRunInProgress)

	close(c.blockGate)
	require.NoError(t, <-done)
	assert.False(t, r.GetStats().Running)
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	c := newFakeChain(5000)
	c.lock(1, 100)
	orders := newFakeOrders(shippedOrder("order-1", 1, 10))
	r, _ := newTestReconciler(c, orders, false)

	r.Start(time.Hour)
	require.Eventually(t, func() bool {
		return r.GetStats().LastRun != nil
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Stop()

	assert.Equal(t, 1, r.GetStats().Released)
	assert.Equal(t, model.OrderStatusReleased, orders.status("order-1"))
}

func TestDeliveryWindowCalculator(t *testing.T) {
	calc := NewDeliveryWindowCalculator(7200, 7)

	assert.Equal(t, uint64((7+3)*7200), calc.AutoReleaseBlocks(nil, "STANDARD"))
	assert.Equal(t, uint64((5+1)*7200), calc.AutoReleaseBlocks(intp(5), "overnight"))
	assert.Equal(t, uint64((5+3)*7200), calc.AutoReleaseBlocks(intp(5), "carrier-pigeon"))
	assert.Equal(t, uint64((0+5)*7200), calc.AutoReleaseBlocks(intp(-4), "FREIGHT"))

	for _, method := range []string{"STANDARD", "EXPRESS", "OVERNIGHT", "FREIGHT", "PICKUP", ""} {
		prev := calc.AutoReleaseBlocks(intp(0), method)
		for days := 1; days <= 60; days++ {
			next := calc.AutoReleaseBlocks(intp(days), method)
			assert.Greater(t, next, prev, "method %q days %d", method, days)
			prev = next
		}
	}
}
