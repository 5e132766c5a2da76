package apperr

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed caller input. Never retried.
	KindValidation
	// KindPrecondition is a state that makes the request impossible right now.
	KindPrecondition
	// KindTransient is an infrastructure failure (RPC, timeout, store unreachable).
	KindTransient
	// KindUncertainOracle is a failed dispute lookup. Release must be withheld.
	KindUncertainOracle
	// KindChainWrite is a rejected or reverted transaction.
	KindChainWrite
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindTransient:
		return "transient"
	case KindUncertainOracle:
		return "uncertain_oracle"
	case KindChainWrite:
		return "chain_write"
	default:
		return "unknown"
	}
}

var (
	ErrNoWaypoints      = errors.New("no waypoints found for this delivery")
	ErrNoChainOrderID   = errors.New("order has no on-chain order id")
	ErrOrderNotFound    = errors.New("order not found")
	ErrUnknownSigner    = errors.New("unknown signer identity")
	ErrSignerMismatch   = errors.New("signer does not match the attesting party")
	ErrRunInProgress    = errors.New("reconciliation run already in progress")
	ErrInvalidLatitude  = errors.New("latitude must be within [-90, 90]")
	ErrInvalidLongitude = errors.New("longitude must be within [-180, 180]")
)

// Error attaches a Kind and the failing operation to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error      { return wrap(KindValidation, op, err) }
func Precondition(op string, err error) error    { return wrap(KindPrecondition, op, err) }
func Transient(op string, err error) error       { return wrap(KindTransient, op, err) }
func UncertainOracle(op string, err error) error { return wrap(KindUncertainOracle, op, err) }
func ChainWrite(op string, err error) error      { return wrap(KindChainWrite, op, err) }

// KindOf returns the Kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the next scheduled tick may succeed where this
// attempt failed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindChainWrite, KindUncertainOracle:
		return true
	case KindValidation, KindPrecondition:
		return false
	}
	return isRetryableNetworkError(err) || isRetryableSystemError(err)
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
