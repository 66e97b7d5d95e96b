package types

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure. Kinds are stable API strings: they
// appear in error responses, metrics labels and the journal.
type Kind string

const (
	// KindQueueFull signals ingress queue saturation; clients should back
	// off and retry.
	KindQueueFull Kind = "QUEUE_FULL"
	// KindValidation is a permanently malformed request.
	KindValidation Kind = "VALIDATION"
	// KindNoKeys means no active signing key was available.
	KindNoKeys Kind = "NO_KEYS"
	// KindNonceDrift is a chain-side nonce mismatch for the signing key.
	KindNonceDrift Kind = "NONCE_DRIFT"
	// KindTransient covers network failures, timeouts and node 5xx.
	KindTransient Kind = "TRANSIENT"
	// KindInvalidTx is a signature, gas or format rejection by the node.
	KindInvalidTx Kind = "INVALID_TX"
	// KindContractError means ft_transfer itself panicked on-chain.
	KindContractError Kind = "CONTRACT_ERROR"
	// KindShuttingDown is returned once draining has begun.
	KindShuttingDown Kind = "SHUTTING_DOWN"
)

// Kinds lists every failure kind, in a stable order. Used to pre-build
// per-kind metric counters.
func Kinds() []Kind {
	return []Kind{
		KindQueueFull, KindValidation, KindNoKeys, KindNonceDrift,
		KindTransient, KindInvalidTx, KindContractError, KindShuttingDown,
	}
}

// Retryable reports whether a failure of this kind may be re-enqueued by the
// dispatcher. Everything else is permanent for the transfer at hand.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindNonceDrift
}

func (k Kind) String() string { return string(k) }

// Error couples a failure kind with its cause. It is the canonical error
// shape crossing component boundaries.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err. A nil error has no kind; a
// non-nil error without an embedded kind is treated as TRANSIENT, matching
// how unclassified transport failures are handled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}
