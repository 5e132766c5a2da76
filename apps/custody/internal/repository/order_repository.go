package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

const orderColumns = `order_id, status, chain_order_id, buyer_address, seller_address, estimated_delivery_days, shipping_method, auto_release_blocks, created_at, updated_at`

type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var order model.Order
	var chainOrderID sql.NullInt64
	var deliveryDays sql.NullInt32
	var autoReleaseBlocks sql.NullInt64

	if err := row.Scan(&order.OrderID, &order.Status, &chainOrderID, &order.BuyerAddress, &order.SellerAddress,
		&deliveryDays, &order.ShippingMethod, &autoReleaseBlocks, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}

	if chainOrderID.Valid {
		id := uint64(chainOrderID.Int64)
		order.ChainOrderID = &id
	}
	if deliveryDays.Valid {
		days := int(deliveryDays.Int32)
		order.EstimatedDeliveryDays = &days
	}
	if autoReleaseBlocks.Valid {
		blocks := uint64(autoReleaseBlocks.Int64)
		order.AutoReleaseBlocks = &blocks
	}
	return &order, nil
}

// ListReleaseCandidates returns escrowed or shipped orders that already have an on-chain id.
func (r *OrderRepository) ListReleaseCandidates(ctx context.Context) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ($1, $2) AND chain_order_id IS NOT NULL
		ORDER BY created_at
	`, model.OrderStatusEscrowed, model.OrderStatusShipped)
	if err != nil {
		return nil, fmt.Errorf("failed to list release candidates: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

// GetOrderByID returns nil when the order does not exist
func (r *OrderRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, orderID))

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}

	return order, nil
}

// MarkReleased moves an escrowed or shipped order to RELEASED and records the
// release on its payment intent, atomically. It reports false when the order
// was no longer releasable.
func (r *OrderRepository) MarkReleased(ctx context.Context, orderID, txHash string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE order_id = $2 AND status IN ($3, $4)
	`, model.OrderStatusReleased, orderID, model.OrderStatusEscrowed, model.OrderStatusShipped)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	// an empty txHash keeps whatever hash is already stored
	if _, err := tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, tx_hash = COALESCE(NULLIF($2, ''), tx_hash), updated_at = NOW()
		WHERE order_id = $3
	`, model.PaymentIntentReleased, txHash, orderID); err != nil {
		return false, fmt.Errorf("failed to update payment intent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit release: %w", err)
	}

	r.logger.Info("Marked order released",
		zap.String("order_id", orderID),
		zap.String("tx_hash", txHash))
	return true, nil
}
