package api

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nearforge/ftgate/keys"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/types"
)

// Core is the gateway surface the API handlers serve. The service layer
// implements it.
type Core interface {
	// EnqueueTransfer admits a validated transfer into the ingress queue.
	EnqueueTransfer(req types.TransferRequest, priority float64) (uuid.UUID, error)
	// DirectTransfer executes a transfer synchronously on the shared
	// work pool, bypassing the batch collector.
	DirectTransfer(ctx context.Context, req types.TransferRequest) types.Outcome
	// TransferStatus reports where an accepted transfer currently is.
	// A nil state with a nil error means the ID is unknown.
	TransferStatus(id uuid.UUID) (*TransferState, error)
	// Health reports liveness for load balancers.
	Health() HealthReport
	// Metrics returns the full performance snapshot.
	Metrics() metrics.Snapshot
	// Compliance returns the sustained-throughput verdict.
	Compliance() metrics.Compliance
	// Status reports lifecycle, queue depth and totals.
	Status() GatewayStatus
}

// TransferResponse is the acknowledgement for an accepted transfer.
type TransferResponse struct {
	Success bool   `json:"success"`
	QueueID string `json:"queueId"`
}

// BulkTransferRequest carries up to MaxBulkTransfers transfers sharing one
// optional priority. BatchID is an opaque client label echoed back.
type BulkTransferRequest struct {
	Transfers []types.TransferRequest `json:"transfers"`
	Priority  *float64                `json:"priority,omitempty"`
	BatchID   string                  `json:"batchId,omitempty"`
}

// BulkItemResult is the per-item outcome of a bulk request.
type BulkItemResult struct {
	Success bool   `json:"success"`
	QueueID string `json:"queueId,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// BulkTransferResponse reports per-item admission results. Success is true
// when every item was accepted.
type BulkTransferResponse struct {
	Success  bool             `json:"success"`
	BatchID  string           `json:"batchId,omitempty"`
	Accepted int              `json:"accepted"`
	Rejected int              `json:"rejected"`
	Results  []BulkItemResult `json:"results"`
}

// DirectTransferResponse is the synchronous result of a direct transfer.
type DirectTransferResponse struct {
	Success         bool   `json:"success"`
	QueueID         string `json:"queueId"`
	TransactionHash string `json:"transactionHash"`
	Attempts        int    `json:"attempts"`
	ProcessingTime  int64  `json:"processingTime"`
}

// TransferState describes the current position of an accepted transfer:
// still queued, executing, or terminal.
type TransferState struct {
	QueueID     string     `json:"queueId"`
	Status      string     `json:"status"`
	ReceiverID  string     `json:"receiverId,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	TxHash      string     `json:"transactionHash,omitempty"`
	ErrorKind   string     `json:"errorKind,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Transfer states reported before an outcome exists. Terminal states reuse
// the types.OutcomeStatus values.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Details HealthDetails `json:"details"`
}

// HealthDetails carries the individual checks behind the health verdict.
type HealthDetails struct {
	State          string     `json:"state"`
	ActiveKeys     int        `json:"activeKeys"`
	TotalKeys      int        `json:"totalKeys"`
	QueueDepth     int        `json:"queueDepth"`
	QueueCapacity  int        `json:"queueCapacity"`
	ChainReachable bool       `json:"chainReachable"`
	NodeSyncing    bool       `json:"nodeSyncing"`
	LastProbe      *time.Time `json:"lastProbe,omitempty"`
	TokenSymbol    string     `json:"tokenSymbol,omitempty"`
	TokenDecimals  uint8      `json:"tokenDecimals,omitempty"`
	MasterBalance  string     `json:"masterBalance,omitempty"`
	LowBalance     bool       `json:"lowBalance,omitempty"`
}

// GatewayTotals are the lifetime transfer counters.
type GatewayTotals struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// GatewayStatus is the body of GET /status.
type GatewayStatus struct {
	State           string         `json:"state"`
	Version         string         `json:"version"`
	NetworkID       string         `json:"networkId"`
	MasterAccountID string         `json:"masterAccountId"`
	ContractID      string         `json:"contractId"`
	UptimeSeconds   float64        `json:"uptimeSeconds"`
	QueueDepth      int            `json:"queueDepth"`
	QueueCapacity   int            `json:"queueCapacity"`
	Inflight        int64          `json:"inflightTransactions"`
	BatchesInFlight int            `json:"batchesInFlight"`
	ActiveKeys      int            `json:"activeKeys"`
	TotalKeys       int            `json:"totalKeys"`
	Keys            []keys.KeyInfo `json:"keys,omitempty"`
	Totals          GatewayTotals  `json:"totals"`
}
