package dispatch

import "github.com/nearforge/ftgate/types"

// Observer receives pipeline lifecycle events. Implementations must not
// block: slow sinks are expected to buffer internally and drop on
// overflow. All methods may be called concurrently.
type Observer interface {
	// OnTransferQueued fires once per admitted transfer.
	OnTransferQueued(qt *types.QueuedTransfer)
	// OnBatchProcessed fires after a batch finishes, retried members
	// included.
	OnBatchProcessed(bm types.BatchMetrics)
	// OnTransferTerminal fires exactly once per accepted transfer, when no
	// further retry will happen.
	OnTransferTerminal(out types.Outcome)
}
