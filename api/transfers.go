package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nearforge/ftgate/types"
)

// submitTransfer enqueues a single transfer and acknowledges with its queue
// ID. POST /transfer
func (a *API) submitTransfer(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	var req types.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, startedAt)
		return
	}
	if err := req.Validate(); err != nil {
		ErrInvalidTransferRequest.WithErr(err).Write(w, startedAt)
		return
	}
	id, err := a.core.EnqueueTransfer(req, types.DefaultPriority)
	if err != nil {
		FromErr(err).Write(w, startedAt)
		return
	}
	httpWriteJSON(w, TransferResponse{Success: true, QueueID: id.String()})
}

// submitBulkTransfer enqueues up to MaxBulkTransfers transfers and reports
// per-item admission results. POST /bulk-transfer
func (a *API) submitBulkTransfer(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	var req BulkTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, startedAt)
		return
	}
	if len(req.Transfers) == 0 {
		ErrInvalidTransferRequest.Withf("no transfers in request").Write(w, startedAt)
		return
	}
	if len(req.Transfers) > MaxBulkTransfers {
		ErrBulkTooLarge.Withf("%d transfers, limit %d", len(req.Transfers), MaxBulkTransfers).Write(w, startedAt)
		return
	}
	priority := types.DefaultPriority
	if req.Priority != nil {
		if err := types.ValidatePriority(*req.Priority); err != nil {
			ErrInvalidPriority.WithErr(err).Write(w, startedAt)
			return
		}
		priority = *req.Priority
	}

	resp := BulkTransferResponse{
		BatchID: req.BatchID,
		Results: make([]BulkItemResult, 0, len(req.Transfers)),
	}
	for _, tr := range req.Transfers {
		if err := tr.Validate(); err != nil {
			resp.Rejected++
			resp.Results = append(resp.Results, BulkItemResult{
				Error: err.Error(),
				Code:  ErrInvalidTransferRequest.Code,
			})
			continue
		}
		id, err := a.core.EnqueueTransfer(tr, priority)
		if err != nil {
			apiErr := FromErr(err)
			resp.Rejected++
			resp.Results = append(resp.Results, BulkItemResult{
				Error: apiErr.Error(),
				Code:  apiErr.Code,
			})
			continue
		}
		resp.Accepted++
		resp.Results = append(resp.Results, BulkItemResult{
			Success: true,
			QueueID: id.String(),
		})
	}
	resp.Success = resp.Rejected == 0
	httpWriteJSON(w, resp)
}

// submitDirectTransfer executes a transfer synchronously and returns the
// transaction hash. POST /direct-transfer
func (a *API) submitDirectTransfer(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	var req types.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, startedAt)
		return
	}
	if err := req.Validate(); err != nil {
		ErrInvalidTransferRequest.WithErr(err).Write(w, startedAt)
		return
	}
	out := a.core.DirectTransfer(r.Context(), req)
	if out.Status != types.OutcomeSucceeded {
		apiErr := FromKind(out.ErrorKind)
		if out.ErrorDetail != "" {
			apiErr = apiErr.Withf("%s", out.ErrorDetail)
		}
		apiErr.Write(w, startedAt)
		return
	}
	httpWriteJSON(w, DirectTransferResponse{
		Success:         true,
		QueueID:         out.ID.String(),
		TransactionHash: out.TxHash,
		Attempts:        out.Attempts,
		ProcessingTime:  time.Since(startedAt).Milliseconds(),
	})
}
