package model

import (
	"encoding/json"
	"time"
)

// Escrow audit actions.
const (
	ActionAutoRelease        = "AUTO_RELEASE"
	ActionAutoReleaseError   = "AUTO_RELEASE_ERROR"
	ActionAutoReleaseSkipped = "AUTO_RELEASE_SKIPPED"
	ActionReleaseRepaired    = "RELEASE_REPAIRED"
	ActionProofSubmitted     = "PROOF_SUBMITTED"
)

// EscrowLog is an immutable audit row. It is never updated after insert.
type EscrowLog struct {
	ID        string          `db:"id"`
	OrderID   string          `db:"order_id"`
	Action    string          `db:"action"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
}
