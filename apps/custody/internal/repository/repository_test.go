package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

// openTestDB connects to TEST_DB_URL and skips when it is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("TEST_DB_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitMigration(db))
	return db
}

func insertOrder(t *testing.T, db *sql.DB, status string) string {
	t.Helper()
	orderID := uuid.New().String()
	chainOrderID := time.Now().UnixNano()

	_, err := db.Exec(`
		INSERT INTO orders (order_id, status, chain_order_id, buyer_address, seller_address, estimated_delivery_days, shipping_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, orderID, status, chainOrderID, "0xbuyer", "0xseller", 4, "EXPRESS")
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO payment_intents (order_id, status) VALUES ($1, 'CAPTURED')`, orderID)
	require.NoError(t, err)
	return orderID
}

func TestOrderRepositoryMarkReleased(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())
	ctx := context.Background()

	orderID := insertOrder(t, db, model.OrderStatusShipped)

	order, err := repo.GetOrderByID(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	require.NotNil(t, order.ChainOrderID)
	require.NotNil(t, order.EstimatedDeliveryDays)
	assert.Equal(t, 4, *order.EstimatedDeliveryDays)
	assert.Nil(t, order.AutoReleaseBlocks)

	candidates, err := repo.ListReleaseCandidates(ctx)
	require.NoError(t, err)
	assert.True(t, containsOrder(candidates, orderID))

	released, err := repo.MarkReleased(ctx, orderID, "0xfeed")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = repo.MarkReleased(ctx, orderID, "0xfeed")
	require.NoError(t, err)
	assert.False(t, released, "a released order must not transition twice")

	order, err = repo.GetOrderByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReleased, order.Status)

	var intentStatus, txHash string
	require.NoError(t, db.QueryRow(`SELECT status, tx_hash FROM payment_intents WHERE order_id = $1`, orderID).Scan(&intentStatus, &txHash))
	assert.Equal(t, model.PaymentIntentReleased, intentStatus)
	assert.Equal(t, "0xfeed", txHash)

	candidates, err = repo.ListReleaseCandidates(ctx)
	require.NoError(t, err)
	assert.False(t, containsOrder(candidates, orderID))
}

func TestOrderRepositoryGetMissingOrder(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())

	order, err := repo.GetOrderByID(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, order)
}

func containsOrder(orders []model.Order, orderID string) bool {
	for _, o := range orders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

func TestWaypointRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewWaypointRepository(db, zap.NewNop())
	ctx := context.Background()

	deliveryID := uuid.New().String()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	speed := 3.5

	ids := make([]string, 0, 4)
	for i := 0; i < 3; i++ {
		ids = append(ids, uuid.New().String())
		require.NoError(t, repo.InsertWaypoint(ctx, model.Waypoint{
			ID:         ids[i],
			DeliveryID: deliveryID,
			Latitude:   10 + float64(i),
			Longitude:  20,
			Speed:      &speed,
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := repo.ListWaypoints(ctx, deliveryID, model.WaypointQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 10.0, all[0].Latitude)
	require.NotNil(t, all[0].Speed)
	assert.Nil(t, all[0].Accuracy)

	start := base.Add(30 * time.Second)
	windowed, err := repo.ListWaypoints(ctx, deliveryID, model.WaypointQuery{StartTime: &start, Limit: 1})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, 11.0, windowed[0].Latitude)

	paged, err := repo.ListWaypoints(ctx, deliveryID, model.WaypointQuery{Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, 12.0, paged[0].Latitude)

	last, err := repo.LastWaypoint(ctx, deliveryID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 12.0, last.Latitude)

	marked, err := repo.MarkProofSubmitted(ctx, deliveryID, "bafkreitest", ids[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	marked, err = repo.MarkProofSubmitted(ctx, deliveryID, "bafkreitest", ids)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked, "already proven rows keep their cid")

	marked, err = repo.MarkProofSubmitted(ctx, deliveryID, "bafkreiother", ids)
	require.NoError(t, err)
	assert.Zero(t, marked)

	// a row outside the id list stays unproven
	late := uuid.New().String()
	require.NoError(t, repo.InsertWaypoint(ctx, model.Waypoint{
		ID:         late,
		DeliveryID: deliveryID,
		Latitude:   13,
		Longitude:  20,
		RecordedAt: base.Add(3 * time.Minute),
	}))
	marked, err = repo.MarkProofSubmitted(ctx, deliveryID, "bafkreiother", ids)
	require.NoError(t, err)
	assert.Zero(t, marked)

	deleted, err := repo.DeleteProvenBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	remaining, err := repo.ListWaypoints(ctx, deliveryID, model.WaypointQuery{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.NotNil(t, remaining[0].ProofCID)
	assert.Equal(t, "bafkreitest", *remaining[0].ProofCID)
	assert.Equal(t, late, remaining[1].ID)
	assert.False(t, remaining[1].ProofSubmitted)
	assert.Nil(t, remaining[1].ProofCID)

	missing, err := repo.LastWaypoint(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEscrowLogOutbox(t *testing.T) {
	db := openTestDB(t)
	repo := NewEscrowLogRepository(db, zap.NewNop())
	ctx := context.Background()

	orderID := uuid.New().String()
	require.NoError(t, repo.Append(ctx, model.EscrowLog{
		OrderID: orderID,
		Action:  model.ActionAutoReleaseSkipped,
		Payload: json.RawMessage(`{"reason":"DISPUTE_ACTIVE"}`),
	}))

	logs, err := repo.ListByOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionAutoReleaseSkipped, logs[0].Action)
	assert.JSONEq(t, `{"reason":"DISPUTE_ACTIVE"}`, string(logs[0].Payload))

	claimed := claimOutboxEvent(t, repo, logs[0].ID)
	assert.Equal(t, orderID, claimed.OrderID)
	assert.Equal(t, model.ActionAutoReleaseSkipped, claimed.EventType)

	// failed delivery returns the row to the queue
	require.NoError(t, repo.MarkEventAsFailed(ctx, claimed.ID))
	claimed = claimOutboxEvent(t, repo, logs[0].ID)

	// a claim that is never acked is reclaimed once stale
	var status string
	_, err = repo.ResetStaleEvents(ctx, time.Hour)
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT status FROM event_outbox WHERE id = $1`, claimed.ID).Scan(&status))
	assert.Equal(t, model.OutboxStatusProcessing, status)

	reset, err := repo.ResetStaleEvents(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reset, int64(1))
	claimed = claimOutboxEvent(t, repo, logs[0].ID)
	require.NoError(t, repo.MarkEventAsSent(ctx, claimed.ID))

	require.NoError(t, db.QueryRow(`SELECT status FROM event_outbox WHERE id = $1`, claimed.ID).Scan(&status))
	assert.Equal(t, model.OutboxStatusSent, status)
}

func claimOutboxEvent(t *testing.T, repo *EscrowLogRepository, id string) model.OutboxEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		events, err := repo.GetUnsentEventsForProcessing(context.Background(), 1000)
		require.NoError(t, err)
		for _, event := range events {
			if event.ID == id {
				return event
			}
		}
		if len(events) == 0 {
			break
		}
	}
	t.Fatalf("outbox event %s was never claimed", id)
	return model.OutboxEvent{}
}

func TestContentRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewContentRepository(db, zap.NewNop())
	ctx := context.Background()

	cid := "bafkrei" + uuid.New().String()
	require.NoError(t, repo.PutBlob(ctx, cid, []byte("bundle")))
	require.NoError(t, repo.PutBlob(ctx, cid, []byte("bundle")))

	data, err := repo.GetBlob(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), data)

	data, err = repo.GetBlob(ctx, "bafkreimissing")
	require.NoError(t, err)
	assert.Nil(t, data)
}
