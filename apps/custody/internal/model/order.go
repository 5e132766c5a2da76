package model

import (
	"time"
)

// Order lifecycle states this subsystem reads or writes.
const (
	OrderStatusEscrowed = "ESCROWED"
	OrderStatusShipped  = "SHIPPED"
	OrderStatusReleased = "RELEASED"
)

type Order struct {
	OrderID               string    `db:"order_id"`
	Status                string    `db:"status"`
	ChainOrderID          *uint64   `db:"chain_order_id"` // nullable until the escrow is created on-chain
	BuyerAddress          string    `db:"buyer_address"`
	SellerAddress         string    `db:"seller_address"`
	EstimatedDeliveryDays *int      `db:"estimated_delivery_days"`
	ShippingMethod        string    `db:"shipping_method"`
	AutoReleaseBlocks     *uint64   `db:"auto_release_blocks"` // nullable, recomputed when absent
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

const (
	PaymentIntentReleased = "RELEASED"
)

type PaymentIntent struct {
	OrderID   string    `db:"order_id"`
	Status    string    `db:"status"`
	TxHash    *string   `db:"tx_hash"`
	UpdatedAt time.Time `db:"updated_at"`
}
