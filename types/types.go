// Package types holds the data model shared across the gateway: transfer
// requests and their queued form, terminal outcomes, batch metrics and the
// error taxonomy.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority bounds for queued transfers. Values outside the range are
// rejected at the API boundary; internal retries decay toward MinPriority.
const (
	MinPriority     = 0.1
	MaxPriority     = 10.0
	DefaultPriority = 1.0
)

// TransferRequest is the client-supplied payload for a single ft_transfer
// call. Immutable after construction.
type TransferRequest struct {
	ReceiverID string `json:"receiverId"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// ftTransferArgs is the NEP-141 ft_transfer argument object. Field order and
// names follow the contract interface, not the HTTP one.
type ftTransferArgs struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// ArgsJSON renders the ft_transfer argument JSON carried inside the
// function-call action. The bytes mirror the request fields exactly; an
// empty memo is omitted.
func (r TransferRequest) ArgsJSON() ([]byte, error) {
	return json.Marshal(ftTransferArgs{
		ReceiverID: r.ReceiverID,
		Amount:     r.Amount,
		Memo:       r.Memo,
	})
}

// QueuedTransfer is a transfer admitted into the ingress queue. It is owned
// exclusively by the queue until drained into a batch, then by the executor.
type QueuedTransfer struct {
	ID         uuid.UUID       `json:"id"`
	Request    TransferRequest `json:"request"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Priority   float64         `json:"priority"`
	RetryCount int             `json:"retryCount"`
}

// OutcomeStatus is the terminal state of a queued transfer.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the terminal event for a transfer. Exactly one Outcome exists
// per accepted queue ID: success with a transaction hash, failure with an
// error kind, or cancellation at shutdown.
type Outcome struct {
	ID          uuid.UUID       `json:"id"`
	Request     TransferRequest `json:"request"`
	Status      OutcomeStatus   `json:"status"`
	TxHash      string          `json:"transactionHash,omitempty"`
	ErrorKind   Kind            `json:"errorKind,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	Attempts    int             `json:"attempts"`
	Duration    time.Duration   `json:"durationNs"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// BatchMetrics summarizes one executed batch.
type BatchMetrics struct {
	Size       int           `json:"size"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"durationNs"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ClampPriority forces p into the valid priority range.
func ClampPriority(p float64) float64 {
	switch {
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}
