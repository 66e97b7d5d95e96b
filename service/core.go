package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nearforge/ftgate/api"
	"github.com/nearforge/ftgate/internal"
	"github.com/nearforge/ftgate/journal"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/types"
)

var _ api.Core = (*Gateway)(nil)

// EnqueueTransfer admits one validated transfer into the queue. Outside the
// running state every request is refused.
func (g *Gateway) EnqueueTransfer(req types.TransferRequest, priority float64) (uuid.UUID, error) {
	if s := g.State(); s != StateRunning {
		return uuid.Nil, types.Errorf(types.KindShuttingDown, "gateway is %s", s)
	}
	qt, err := g.dispatcher.Enqueue(req, priority)
	if err != nil {
		return uuid.Nil, err
	}
	return qt.ID, nil
}

// DirectTransfer executes one transfer synchronously on the shared work
// pool, skipping the queue and the batch collector.
func (g *Gateway) DirectTransfer(ctx context.Context, req types.TransferRequest) types.Outcome {
	if s := g.State(); s != StateRunning {
		return types.Outcome{
			ID:          uuid.New(),
			Request:     req,
			Status:      types.OutcomeCancelled,
			ErrorKind:   types.KindShuttingDown,
			ErrorDetail: fmt.Sprintf("gateway is %s", s),
			FinishedAt:  time.Now(),
		}
	}
	return g.dispatcher.Direct(ctx, req)
}

// TransferStatus locates an accepted transfer: terminal record, queued, or
// executing. The in-flight probe races with completion, so a transfer seen
// nowhere is checked against the journal once more before reporting unknown.
func (g *Gateway) TransferStatus(id uuid.UUID) (*api.TransferState, error) {
	if entry, err := g.journalState(id); entry != nil || err != nil {
		return entry, err
	}
	if g.dispatcher != nil {
		if g.dispatcher.Queued(id) {
			return &api.TransferState{QueueID: id.String(), Status: api.StateQueued}, nil
		}
		if g.dispatcher.InFlight(id) {
			return &api.TransferState{QueueID: id.String(), Status: api.StateProcessing}, nil
		}
	}
	return g.journalState(id)
}

func (g *Gateway) journalState(id uuid.UUID) (*api.TransferState, error) {
	entry, err := g.journal.Lookup(id)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	finishedAt := entry.FinishedAt
	return &api.TransferState{
		QueueID:     entry.ID,
		Status:      entry.Status,
		ReceiverID:  entry.ReceiverID,
		Amount:      entry.Amount,
		TxHash:      entry.TxHash,
		ErrorKind:   entry.ErrorKind,
		ErrorDetail: entry.ErrorDetail,
		Attempts:    entry.Attempts,
		DurationMs:  entry.DurationMs,
		FinishedAt:  &finishedAt,
	}, nil
}

// Health reports whether the gateway can currently accept and execute
// transfers: running, at least one active key, and a recent successful
// chain probe.
func (g *Gateway) Health() api.HealthReport {
	state := g.State()

	g.probeMu.RLock()
	probe := g.probe
	g.probeMu.RUnlock()

	details := api.HealthDetails{
		State:          state.String(),
		ChainReachable: probe.chainOK,
		NodeSyncing:    probe.syncing,
		TokenSymbol:    probe.tokenSymbol,
		TokenDecimals:  probe.tokenDecimals,
		MasterBalance:  probe.masterBalance,
		LowBalance:     probe.lowBalance,
	}
	if !probe.at.IsZero() {
		at := probe.at
		details.LastProbe = &at
	}
	if g.registry != nil {
		details.ActiveKeys = g.registry.ActiveCount()
		details.TotalKeys = g.registry.Len()
	}
	if g.dispatcher != nil {
		details.QueueDepth = g.dispatcher.QueueLen()
		details.QueueCapacity = g.dispatcher.QueueCap()
	}

	probeFresh := probe.chainOK && time.Since(probe.at) < 3*ProbeInterval
	return api.HealthReport{
		Healthy: state == StateRunning && details.ActiveKeys > 0 && probeFresh,
		Details: details,
	}
}

// Metrics returns the full performance snapshot.
func (g *Gateway) Metrics() metrics.Snapshot { return g.engine.Snapshot() }

// Compliance returns the sustained-throughput verdict.
func (g *Gateway) Compliance() metrics.Compliance { return g.engine.Compliance() }

// Status reports lifecycle, queue depth and lifetime totals.
func (g *Gateway) Status() api.GatewayStatus {
	snap := g.engine.Snapshot()
	status := api.GatewayStatus{
		State:           g.State().String(),
		Version:         internal.Version,
		NetworkID:       g.cfg.NetworkID,
		MasterAccountID: g.cfg.MasterAccountID,
		ContractID:      g.cfg.ContractID,
		Totals: api.GatewayTotals{
			Enqueued:  snap.Enqueued,
			Succeeded: snap.Succeeded,
			Failed:    snap.Failed,
		},
	}
	if !g.startedAt.IsZero() {
		status.UptimeSeconds = time.Since(g.startedAt).Seconds()
	}
	if g.dispatcher != nil {
		status.QueueDepth = g.dispatcher.QueueLen()
		status.QueueCapacity = g.dispatcher.QueueCap()
		status.Inflight = g.dispatcher.PoolInflight()
		status.BatchesInFlight = g.dispatcher.BatchesInFlight()
	}
	if g.registry != nil {
		status.ActiveKeys = g.registry.ActiveCount()
		status.TotalKeys = g.registry.Len()
		status.Keys = g.registry.Snapshot()
	}
	return status
}
