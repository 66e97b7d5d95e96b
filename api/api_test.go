package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/types"
)

type enqueuedCall struct {
	req      types.TransferRequest
	priority float64
}

// stubCore is a scripted Core implementation for handler tests.
type stubCore struct {
	mu         sync.Mutex
	enqueued   []enqueuedCall
	enqueueErr error
	directOut  types.Outcome
	states     map[uuid.UUID]*TransferState
	statusErr  error
	health     HealthReport
	snapshot   metrics.Snapshot
	compliance metrics.Compliance
	status     GatewayStatus
}

func (s *stubCore) EnqueueTransfer(req types.TransferRequest, priority float64) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return uuid.Nil, s.enqueueErr
	}
	s.enqueued = append(s.enqueued, enqueuedCall{req: req, priority: priority})
	return uuid.New(), nil
}

func (s *stubCore) DirectTransfer(_ context.Context, req types.TransferRequest) types.Outcome {
	out := s.directOut
	out.Request = req
	return out
}

func (s *stubCore) TransferStatus(id uuid.UUID) (*TransferState, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.states[id], nil
}

func (s *stubCore) Health() HealthReport           { return s.health }
func (s *stubCore) Metrics() metrics.Snapshot      { return s.snapshot }
func (s *stubCore) Compliance() metrics.Compliance { return s.compliance }
func (s *stubCore) Status() GatewayStatus          { return s.status }

func (s *stubCore) calls() []enqueuedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enqueuedCall(nil), s.enqueued...)
}

func newTestAPI(core Core) *API {
	a := &API{core: core, throttle: defaultThrottle}
	a.initRouter()
	return a
}

func doJSON(a *API, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](c *qt.C, rec *httptest.ResponseRecorder) T {
	var v T
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &v), qt.IsNil)
	return v
}

func TestSubmitTransfer(t *testing.T) {
	c := qt.New(t)
	core := &stubCore{}
	a := newTestAPI(core)

	rec := doJSON(a, http.MethodPost, TransferEndpoint,
		types.TransferRequest{ReceiverID: "alice.testnet", Amount: "100", Memo: "hi"})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := decodeBody[TransferResponse](c, rec)
	c.Assert(resp.Success, qt.IsTrue)
	_, err := uuid.Parse(resp.QueueID)
	c.Assert(err, qt.IsNil)

	calls := core.calls()
	c.Assert(calls, qt.HasLen, 1)
	c.Assert(calls[0].req.ReceiverID, qt.Equals, "alice.testnet")
	c.Assert(calls[0].priority, qt.Equals, types.DefaultPriority)
}

func TestSubmitTransferRejections(t *testing.T) {
	c := qt.New(t)

	t.Run("malformed body", func(t *testing.T) {
		a := newTestAPI(&stubCore{})
		rec := doJSON(a, http.MethodPost, TransferEndpoint, `{"receiverId": `)
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Success, qt.IsFalse)
		c.Assert(resp.Code, qt.Equals, ErrMalformedBody.Code)
		c.Assert(resp.Error, qt.Equals, string(types.KindValidation))
		c.Assert(resp.Timestamp, qt.Not(qt.Equals), "")
	})

	t.Run("invalid receiver", func(t *testing.T) {
		a := newTestAPI(&stubCore{})
		rec := doJSON(a, http.MethodPost, TransferEndpoint,
			types.TransferRequest{ReceiverID: "Bad..Account", Amount: "100"})
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrInvalidTransferRequest.Code)
	})

	t.Run("queue full", func(t *testing.T) {
		core := &stubCore{enqueueErr: types.Errorf(types.KindQueueFull, "capacity reached")}
		a := newTestAPI(core)
		rec := doJSON(a, http.MethodPost, TransferEndpoint,
			types.TransferRequest{ReceiverID: "alice.testnet", Amount: "100"})
		c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrQueueFull.Code)
		c.Assert(resp.Error, qt.Equals, string(types.KindQueueFull))
	})

	t.Run("shutting down", func(t *testing.T) {
		core := &stubCore{enqueueErr: types.Errorf(types.KindShuttingDown, "draining")}
		a := newTestAPI(core)
		rec := doJSON(a, http.MethodPost, TransferEndpoint,
			types.TransferRequest{ReceiverID: "alice.testnet", Amount: "100"})
		c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrShuttingDown.Code)
	})
}

func TestSubmitBulkTransfer(t *testing.T) {
	c := qt.New(t)
	core := &stubCore{}
	a := newTestAPI(core)

	priority := 2.5
	rec := doJSON(a, http.MethodPost, BulkTransferEndpoint, BulkTransferRequest{
		BatchID:  "batch-7",
		Priority: &priority,
		Transfers: []types.TransferRequest{
			{ReceiverID: "alice.testnet", Amount: "10"},
			{ReceiverID: "NOT-VALID", Amount: "10"},
			{ReceiverID: "bob.testnet", Amount: "20"},
		},
	})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := decodeBody[BulkTransferResponse](c, rec)
	c.Assert(resp.Success, qt.IsFalse)
	c.Assert(resp.BatchID, qt.Equals, "batch-7")
	c.Assert(resp.Accepted, qt.Equals, 2)
	c.Assert(resp.Rejected, qt.Equals, 1)
	c.Assert(resp.Results, qt.HasLen, 3)
	c.Assert(resp.Results[0].Success, qt.IsTrue)
	c.Assert(resp.Results[1].Success, qt.IsFalse)
	c.Assert(resp.Results[1].Code, qt.Equals, ErrInvalidTransferRequest.Code)
	c.Assert(resp.Results[2].Success, qt.IsTrue)

	for _, call := range core.calls() {
		c.Assert(call.priority, qt.Equals, 2.5)
	}
}

func TestSubmitBulkTransferRejections(t *testing.T) {
	c := qt.New(t)

	t.Run("empty", func(t *testing.T) {
		a := newTestAPI(&stubCore{})
		rec := doJSON(a, http.MethodPost, BulkTransferEndpoint, BulkTransferRequest{})
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	})

	t.Run("too many", func(t *testing.T) {
		a := newTestAPI(&stubCore{})
		req := BulkTransferRequest{Transfers: make([]types.TransferRequest, MaxBulkTransfers+1)}
		for i := range req.Transfers {
			req.Transfers[i] = types.TransferRequest{ReceiverID: "alice.testnet", Amount: "1"}
		}
		rec := doJSON(a, http.MethodPost, BulkTransferEndpoint, req)
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrBulkTooLarge.Code)
	})

	t.Run("bad priority", func(t *testing.T) {
		a := newTestAPI(&stubCore{})
		priority := 99.0
		rec := doJSON(a, http.MethodPost, BulkTransferEndpoint, BulkTransferRequest{
			Priority:  &priority,
			Transfers: []types.TransferRequest{{ReceiverID: "alice.testnet", Amount: "1"}},
		})
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrInvalidPriority.Code)
	})
}

func TestSubmitDirectTransfer(t *testing.T) {
	c := qt.New(t)

	t.Run("success", func(t *testing.T) {
		core := &stubCore{directOut: types.Outcome{
			ID:       uuid.New(),
			Status:   types.OutcomeSucceeded,
			TxHash:   "9wC5kX",
			Attempts: 1,
		}}
		a := newTestAPI(core)
		rec := doJSON(a, http.MethodPost, DirectTransferEndpoint,
			types.TransferRequest{ReceiverID: "alice.testnet", Amount: "100"})
		c.Assert(rec.Code, qt.Equals, http.StatusOK)
		resp := decodeBody[DirectTransferResponse](c, rec)
		c.Assert(resp.Success, qt.IsTrue)
		c.Assert(resp.TransactionHash, qt.Equals, "9wC5kX")
		c.Assert(resp.Attempts, qt.Equals, 1)
	})

	t.Run("contract failure", func(t *testing.T) {
		core := &stubCore{directOut: types.Outcome{
			ID:          uuid.New(),
			Status:      types.OutcomeFailed,
			ErrorKind:   types.KindContractError,
			ErrorDetail: "Smart contract panicked: The account bob.testnet is not registered",
		}}
		a := newTestAPI(core)
		rec := doJSON(a, http.MethodPost, DirectTransferEndpoint,
			types.TransferRequest{ReceiverID: "bob.testnet", Amount: "100"})
		c.Assert(rec.Code, qt.Equals, http.StatusInternalServerError)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrContractRejected.Code)
		c.Assert(resp.Error, qt.Equals, string(types.KindContractError))
		c.Assert(resp.Details, qt.Contains, "not registered")
	})
}

func TestTransferStatus(t *testing.T) {
	c := qt.New(t)
	known := uuid.New()
	core := &stubCore{states: map[uuid.UUID]*TransferState{
		known: {QueueID: known.String(), Status: StateQueued},
	}}
	a := newTestAPI(core)

	t.Run("known", func(t *testing.T) {
		rec := doJSON(a, http.MethodGet,
			EndpointWithParam(TransferStatusEndpoint, QueueIDURLParam, known.String()), nil)
		c.Assert(rec.Code, qt.Equals, http.StatusOK)
		resp := decodeBody[TransferState](c, rec)
		c.Assert(resp.Status, qt.Equals, StateQueued)
		c.Assert(resp.QueueID, qt.Equals, known.String())
	})

	t.Run("unknown", func(t *testing.T) {
		rec := doJSON(a, http.MethodGet,
			EndpointWithParam(TransferStatusEndpoint, QueueIDURLParam, uuid.NewString()), nil)
		c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrTransferNotFound.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		rec := doJSON(a, http.MethodGet,
			EndpointWithParam(TransferStatusEndpoint, QueueIDURLParam, "not-a-uuid"), nil)
		c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
		resp := decodeBody[errorResponse](c, rec)
		c.Assert(resp.Code, qt.Equals, ErrMalformedQueueID.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	c := qt.New(t)

	t.Run("healthy", func(t *testing.T) {
		a := newTestAPI(&stubCore{health: HealthReport{
			Healthy: true,
			Details: HealthDetails{State: "running", ActiveKeys: 3, TotalKeys: 3, ChainReachable: true},
		}})
		rec := doJSON(a, http.MethodGet, HealthEndpoint, nil)
		c.Assert(rec.Code, qt.Equals, http.StatusOK)
		resp := decodeBody[HealthReport](c, rec)
		c.Assert(resp.Healthy, qt.IsTrue)
		c.Assert(resp.Details.ActiveKeys, qt.Equals, 3)
	})

	t.Run("unhealthy", func(t *testing.T) {
		a := newTestAPI(&stubCore{health: HealthReport{
			Healthy: false,
			Details: HealthDetails{State: "running", ActiveKeys: 0, TotalKeys: 3},
		}})
		rec := doJSON(a, http.MethodGet, HealthEndpoint, nil)
		c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
		resp := decodeBody[HealthReport](c, rec)
		c.Assert(resp.Healthy, qt.IsFalse)
	})
}

func TestObservabilityEndpoints(t *testing.T) {
	c := qt.New(t)
	core := &stubCore{
		snapshot: metrics.Snapshot{
			Timestamp: time.Now(),
			Enqueued:  1200,
			Succeeded: 1100,
			Failed:    50,
		},
		compliance: metrics.Compliance{
			Achieved:      true,
			CurrentTPS:    112.4,
			Sustained:     true,
			SuccessRate:   0.985,
			WindowSeconds: 600,
			TargetTPS:     100,
		},
		status: GatewayStatus{
			State:      "running",
			Version:    "v1.0.0",
			QueueDepth: 42,
			Totals:     GatewayTotals{Enqueued: 1200, Succeeded: 1100, Failed: 50},
		},
	}
	a := newTestAPI(core)

	rec := doJSON(a, http.MethodGet, MetricsEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	snap := decodeBody[metrics.Snapshot](c, rec)
	c.Assert(snap.Enqueued, qt.Equals, int64(1200))
	c.Assert(snap.Succeeded, qt.Equals, int64(1100))

	rec = doJSON(a, http.MethodGet, BountyStatusEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	verdict := decodeBody[metrics.Compliance](c, rec)
	c.Assert(verdict.Achieved, qt.IsTrue)
	c.Assert(verdict.WindowSeconds, qt.Equals, 600)
	c.Assert(verdict.TargetTPS, qt.Equals, 100)

	rec = doJSON(a, http.MethodGet, StatusEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	status := decodeBody[GatewayStatus](c, rec)
	c.Assert(status.State, qt.Equals, "running")
	c.Assert(status.QueueDepth, qt.Equals, 42)
	c.Assert(status.Totals.Succeeded, qt.Equals, int64(1100))
}
