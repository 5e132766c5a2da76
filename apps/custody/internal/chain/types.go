package chain

import "fmt"

type EscrowStatus uint8

const (
	EscrowNone EscrowStatus = iota
	EscrowLocked
	EscrowDisputed
	EscrowReleased
	EscrowRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowNone:
		return "None"
	case EscrowLocked:
		return "Locked"
	case EscrowDisputed:
		return "Disputed"
	case EscrowReleased:
		return "Released"
	case EscrowRefunded:
		return "Refunded"
	default:
		return fmt.Sprintf("EscrowStatus(%d)", uint8(s))
	}
}

// Escrow is the on-chain escrow record for an order. LockedAt is a block number.
type Escrow struct {
	OrderID  uint64
	Status   EscrowStatus
	LockedAt uint64
}

type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeUnderReview
	DisputeResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "Open"
	case DisputeUnderReview:
		return "UnderReview"
	case DisputeResolved:
		return "Resolved"
	default:
		return fmt.Sprintf("DisputeStatus(%d)", uint8(s))
	}
}

type Dispute struct {
	OrderID uint64
	Status  DisputeStatus
}

// Active reports whether the dispute still blocks a release.
func (d Dispute) Active() bool {
	return d.Status != DisputeResolved
}

// ProofKind distinguishes the two custody attestations.
type ProofKind uint8

const (
	ProofKindHandoff ProofKind = iota
	ProofKindDelivery
)

func (k ProofKind) String() string {
	switch k {
	case ProofKindHandoff:
		return "handoff"
	case ProofKindDelivery:
		return "delivery"
	default:
		return fmt.Sprintf("ProofKind(%d)", uint8(k))
	}
}

// TxResult identifies a mined transaction.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
}
