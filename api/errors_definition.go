//nolint:lll
package api

import (
	"fmt"
	"net/http"

	"github.com/nearforge/ftgate/types"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the client's fault,
// and they return HTTP Status 400 or 404, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's (or chain's) fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after
// the current last 4XXX or 5XXX. If you notice there's a gap, DON'T fill it
// in, that code was used in the past for some error and shouldn't be reused.
var (
	ErrMalformedBody          = Error{Code: 40001, HTTPstatus: http.StatusBadRequest, Kind: types.KindValidation, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidTransferRequest = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Kind: types.KindValidation, Err: fmt.Errorf("invalid transfer request")}
	ErrBulkTooLarge           = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Kind: types.KindValidation, Err: fmt.Errorf("too many transfers in bulk request")}
	ErrTransferNotFound       = Error{Code: 40004, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("transfer not found")}
	ErrInvalidPriority        = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Kind: types.KindValidation, Err: fmt.Errorf("invalid priority")}
	ErrMalformedQueueID       = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Kind: types.KindValidation, Err: fmt.Errorf("malformed queue ID")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrQueueFull                  = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Kind: types.KindQueueFull, Err: fmt.Errorf("ingress queue is full")}
	ErrShuttingDown               = Error{Code: 50004, HTTPstatus: http.StatusServiceUnavailable, Kind: types.KindShuttingDown, Err: fmt.Errorf("gateway is shutting down")}
	ErrNoSigningKeys              = Error{Code: 50005, HTTPstatus: http.StatusServiceUnavailable, Kind: types.KindNoKeys, Err: fmt.Errorf("no active signing keys")}
	ErrChainUnavailable           = Error{Code: 50006, HTTPstatus: http.StatusServiceUnavailable, Kind: types.KindTransient, Err: fmt.Errorf("chain RPC unavailable")}
	ErrNonceConflict              = Error{Code: 50007, HTTPstatus: http.StatusServiceUnavailable, Kind: types.KindNonceDrift, Err: fmt.Errorf("nonce conflict with chain state")}
	ErrTransactionRejected        = Error{Code: 50008, HTTPstatus: http.StatusInternalServerError, Kind: types.KindInvalidTx, Err: fmt.Errorf("transaction rejected by chain")}
	ErrContractRejected           = Error{Code: 50009, HTTPstatus: http.StatusInternalServerError, Kind: types.KindContractError, Err: fmt.Errorf("token contract rejected the transfer")}
)
