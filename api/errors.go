package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/types"
)

// Error is used by handler functions to wrap errors, assigning a unique
// error code and the HTTP status to respond with. Kind carries the pipeline
// failure taxonomy entry when one applies.
type Error struct {
	Err        error
	Code       int
	HTTPstatus int
	Kind       types.Kind
}

// Error returns the error message contained inside the Error.
func (e Error) Error() string {
	return e.Err.Error()
}

// errorResponse is the JSON body written for every failed request.
type errorResponse struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Code           int    `json:"code"`
	Details        string `json:"details,omitempty"`
	ProcessingTime int64  `json:"processingTime"`
	Timestamp      string `json:"timestamp"`
}

// Write serializes the error as the standard failure envelope and writes it
// with the Error's HTTP status. The error field carries the failure kind
// when one is set, with the full message as details. startedAt stamps the
// processing time; a zero value reports zero milliseconds.
func (e Error) Write(w http.ResponseWriter, startedAt time.Time) {
	var took int64
	if !startedAt.IsZero() {
		took = time.Since(startedAt).Milliseconds()
	}
	body := errorResponse{
		Success:        false,
		Error:          e.Err.Error(),
		Code:           e.Code,
		ProcessingTime: took,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if e.Kind != "" {
		body.Error = string(e.Kind)
		body.Details = e.Err.Error()
	}
	msg, err := json.Marshal(body)
	if err != nil {
		log.Warnw("marshal error response failed", "error", err)
		http.Error(w, e.Err.Error(), e.HTTPstatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(append(msg, '\n')); err != nil {
		log.Warnw("failed to write http error response", "error", err)
	}
}

// Withf returns a copy of Error with the Sprintf formatted string appended
// at the end of e.Err.
func (e Error) Withf(format string, args ...any) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, fmt.Sprintf(format, args...)),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		Kind:       e.Kind,
	}
}

// WithErr returns a copy of Error with err appended at the end of e.Err.
func (e Error) WithErr(err error) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, err.Error()),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		Kind:       e.Kind,
	}
}

// FromKind maps a pipeline failure kind to its API error. Unknown kinds
// fall back to the generic internal error.
func FromKind(kind types.Kind) Error {
	switch kind {
	case types.KindValidation:
		return ErrInvalidTransferRequest
	case types.KindQueueFull:
		return ErrQueueFull
	case types.KindNoKeys:
		return ErrNoSigningKeys
	case types.KindShuttingDown:
		return ErrShuttingDown
	case types.KindTransient:
		return ErrChainUnavailable
	case types.KindNonceDrift:
		return ErrNonceConflict
	case types.KindInvalidTx:
		return ErrTransactionRejected
	case types.KindContractError:
		return ErrContractRejected
	default:
		return ErrGenericInternalServerError
	}
}

// FromErr maps a pipeline error to its API error, attaching the underlying
// message as detail.
func FromErr(err error) Error {
	return FromKind(types.KindOf(err)).WithErr(err)
}
