package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// transferStatus reports where an accepted transfer currently is.
// GET /transfer/{queueId}
func (a *API) transferStatus(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	id, err := uuid.Parse(chi.URLParam(r, QueueIDURLParam))
	if err != nil {
		ErrMalformedQueueID.WithErr(err).Write(w, startedAt)
		return
	}
	state, err := a.core.TransferStatus(id)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w, startedAt)
		return
	}
	if state == nil {
		ErrTransferNotFound.Withf("queue ID %s", id).Write(w, startedAt)
		return
	}
	httpWriteJSON(w, state)
}

// health reports the gateway health verdict. Unhealthy gateways answer 503
// so load balancers can rotate them out. GET /health
func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	report := a.core.Health()
	if !report.Healthy {
		httpWriteJSONStatus(w, http.StatusServiceUnavailable, report)
		return
	}
	httpWriteJSON(w, report)
}

// metrics returns the full performance snapshot. GET /metrics
func (a *API) metrics(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, a.core.Metrics())
}

// status reports lifecycle, queue depth and totals. GET /status
func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, a.core.Status())
}

// bountyStatus reports the sustained-throughput verdict. GET /bounty-status
func (a *API) bountyStatus(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, a.core.Compliance())
}
