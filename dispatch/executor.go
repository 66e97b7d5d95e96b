package dispatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/keys"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/nonce"
	"github.com/nearforge/ftgate/types"
)

const methodFTTransfer = "ft_transfer"

// ChainClient is the slice of the RPC client the executor needs.
type ChainClient interface {
	LatestBlockHash(ctx context.Context) ([32]byte, error)
	SubmitTransaction(ctx context.Context, signedTxB64 string) (string, error)
}

// ExecutorConfig carries the per-call constants of every ft_transfer.
type ExecutorConfig struct {
	ContractID string
	Gas        uint64
	Deposit    *big.Int
	MaxRetries int
}

// Executor turns queued transfers into signed, submitted transactions. Per
// transfer it acquires a signing key, reserves a nonce, pins the recent
// block hash, signs and submits. All execution funnels through the shared
// work pool.
type Executor struct {
	cfg      ExecutorConfig
	client   ChainClient
	registry *keys.Registry
	nonces   *nonce.Allocator
	pool     *WorkPool
	engine   *metrics.Engine

	// requeue re-admits a retryable failure; nil disables retries.
	// terminal fires exactly once per transfer that will not be retried.
	requeue  func(*types.QueuedTransfer) error
	terminal func(types.Outcome)
}

// NewExecutor wires an executor. The requeue and terminal hooks are set by
// the dispatcher that owns it.
func NewExecutor(cfg ExecutorConfig, client ChainClient, registry *keys.Registry,
	nonces *nonce.Allocator, pool *WorkPool, engine *metrics.Engine) *Executor {
	if cfg.Deposit == nil {
		cfg.Deposit = neartx.OneYocto
	}
	return &Executor{
		cfg:      cfg,
		client:   client,
		registry: registry,
		nonces:   nonces,
		pool:     pool,
		engine:   engine,
	}
}

// ExecuteBatch runs every transfer of the batch in parallel, bounded by
// the shared pool, and blocks until all of them settle. The returned
// metrics count attempts made within this batch; a retried transfer counts
// as failed here and surfaces again in a later batch.
func (e *Executor) ExecuteBatch(ctx context.Context, batch []*types.QueuedTransfer) types.BatchMetrics {
	started := time.Now()
	var successful, failed atomic.Int64

	var wg sync.WaitGroup
	for i, qt := range batch {
		wg.Add(1)
		go func(slot int, qt *types.QueuedTransfer) {
			defer wg.Done()
			if e.runOne(ctx, qt, slot) {
				successful.Add(1)
			} else {
				failed.Add(1)
			}
		}(i, qt)
	}
	wg.Wait()

	return types.BatchMetrics{
		Size:       len(batch),
		Successful: int(successful.Load()),
		Failed:     int(failed.Load()),
		Duration:   time.Since(started),
		Timestamp:  time.Now(),
	}
}

// ExecuteDirect runs one transfer through the pool and returns its
// outcome. Direct transfers are never retried; the caller gets the first
// result.
func (e *Executor) ExecuteDirect(ctx context.Context, qt *types.QueuedTransfer) types.Outcome {
	var out types.Outcome
	err := e.pool.Run(ctx, func(tctx context.Context) {
		out = e.processTransfer(tctx, qt, -1)
	})
	if err != nil {
		out = cancelledOutcome(qt, "cancelled before execution")
	}
	e.record(out)
	e.finish(out)
	return out
}

// runOne executes a single batch member and reports whether the attempt
// succeeded. Retryable failures with budget left are re-admitted instead
// of going terminal.
func (e *Executor) runOne(ctx context.Context, qt *types.QueuedTransfer, slot int) bool {
	var out types.Outcome
	err := e.pool.Run(ctx, func(tctx context.Context) {
		out = e.processTransfer(tctx, qt, slot)
	})
	if err != nil {
		out = cancelledOutcome(qt, "cancelled before execution")
	}
	e.record(out)

	if out.Status == types.OutcomeSucceeded {
		e.finish(out)
		return true
	}
	if out.Status == types.OutcomeFailed && out.ErrorKind.Retryable() &&
		qt.RetryCount < e.cfg.MaxRetries && e.requeue != nil {
		qt.RetryCount++
		qt.Priority = types.ClampPriority(qt.Priority / 2)
		if rqErr := e.requeue(qt); rqErr == nil {
			log.Debugw("transfer requeued after retryable failure",
				"id", qt.ID.String(), "kind", out.ErrorKind.String(),
				"retry", qt.RetryCount, "priority", qt.Priority)
			return false
		}
		// Queue full or closed: the failure stands as terminal.
	}
	e.finish(out)
	return false
}

// processTransfer performs one submission attempt. It always settles the
// nonce reservation and the key health counters before returning.
func (e *Executor) processTransfer(ctx context.Context, qt *types.QueuedTransfer, slot int) types.Outcome {
	started := time.Now()

	key, idx, err := e.registry.Acquire(slot)
	if err != nil {
		return failedOutcome(qt, started, err)
	}
	nonceVal, err := e.nonces.Next(key.AccountID, key.PublicKey)
	if err != nil {
		return failedOutcome(qt, started, err)
	}

	txHash, err := e.submit(ctx, qt, key, nonceVal)
	if err != nil {
		kind := types.KindOf(err)
		e.nonces.Release(ctx, key.AccountID, key.PublicKey, false, kind == types.KindNonceDrift)
		e.registry.MarkFailure(idx)
		return failedOutcome(qt, started, err)
	}

	e.nonces.Release(ctx, key.AccountID, key.PublicKey, true, false)
	e.registry.MarkSuccess(idx)
	return types.Outcome{
		ID:         qt.ID,
		Request:    qt.Request,
		Status:     types.OutcomeSucceeded,
		TxHash:     txHash,
		Attempts:   qt.RetryCount + 1,
		Duration:   time.Since(started),
		FinishedAt: time.Now(),
	}
}

// submit builds, signs and broadcasts the ft_transfer transaction.
func (e *Executor) submit(ctx context.Context, qt *types.QueuedTransfer, key *keys.ManagedKey, nonceVal uint64) (string, error) {
	blockHash, err := e.client.LatestBlockHash(ctx)
	if err != nil {
		return "", err
	}
	args, err := qt.Request.ArgsJSON()
	if err != nil {
		return "", types.NewError(types.KindValidation, err)
	}
	action := neartx.NewFunctionCall(methodFTTransfer, args, e.cfg.Gas, e.cfg.Deposit)
	tx := neartx.NewTransaction(key.AccountID, key.Pair.WirePublicKey(), nonceVal,
		e.cfg.ContractID, blockHash, []neartx.Action{action})
	signed, err := tx.Sign(key.Pair)
	if err != nil {
		return "", types.NewError(types.KindInvalidTx, err)
	}
	b64, err := signed.Base64()
	if err != nil {
		return "", types.NewError(types.KindInvalidTx, err)
	}
	return e.client.SubmitTransaction(ctx, b64)
}

func (e *Executor) record(out types.Outcome) {
	e.engine.RecordOutcome(out.Status == types.OutcomeSucceeded, out.ErrorKind, out.Duration)
}

func (e *Executor) finish(out types.Outcome) {
	if e.terminal != nil {
		e.terminal(out)
	}
}

func failedOutcome(qt *types.QueuedTransfer, started time.Time, err error) types.Outcome {
	out := types.Outcome{
		ID:         qt.ID,
		Request:    qt.Request,
		Status:     types.OutcomeFailed,
		ErrorKind:  types.KindOf(err),
		Attempts:   qt.RetryCount + 1,
		Duration:   time.Since(started),
		FinishedAt: time.Now(),
	}
	var te *types.Error
	if errors.As(err, &te) && te.Err != nil {
		out.ErrorDetail = te.Err.Error()
	} else if err != nil {
		out.ErrorDetail = err.Error()
	}
	return out
}

func cancelledOutcome(qt *types.QueuedTransfer, detail string) types.Outcome {
	return types.Outcome{
		ID:          qt.ID,
		Request:     qt.Request,
		Status:      types.OutcomeCancelled,
		ErrorKind:   types.KindShuttingDown,
		ErrorDetail: detail,
		Attempts:    qt.RetryCount,
		FinishedAt:  time.Now(),
	}
}
