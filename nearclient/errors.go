package nearclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nearforge/ftgate/types"
)

// ErrAccessKeyMissing marks an access key the chain does not know about.
// The nonce allocator leaves such keys inactive instead of failing bootstrap.
var ErrAccessKeyMissing = errors.New("access key does not exist on chain")

// errExpiredTx marks a transaction rejected for a stale block hash. The
// client invalidates its block-hash cache whenever it surfaces.
var errExpiredTx = errors.New("transaction expired")

// rpcError is the node's JSON-RPC error object. Modern nodes attach a
// structured name/cause pair next to the legacy code/message/data fields.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Name    string          `json:"name,omitempty"`
	Cause   *rpcErrorCause  `json:"cause,omitempty"`
}

type rpcErrorCause struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info,omitempty"`
}

func (e *rpcError) Error() string {
	name := e.Name
	if e.Cause != nil && e.Cause.Name != "" {
		name = fmt.Sprintf("%s/%s", e.Name, e.Cause.Name)
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %s (%d): %s: %s", name, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %s (%d): %s", name, e.Code, e.Message)
}

// classifyRPCError maps a node-reported error onto the failure taxonomy.
// Transport problems never reach here; this is purely about logical
// rejections.
func classifyRPCError(method string, e *rpcError) error {
	wrapped := fmt.Errorf("%s: %w", method, e)
	switch {
	case isNonceError(e):
		return types.NewError(types.KindNonceDrift, wrapped)
	case isExpiredError(e):
		return types.NewError(types.KindTransient, fmt.Errorf("%w: %w", errExpiredTx, wrapped))
	case isInvalidTxError(e):
		return types.NewError(types.KindInvalidTx, wrapped)
	case isTimeoutError(e):
		return types.NewError(types.KindTransient, wrapped)
	default:
		return types.NewError(types.KindTransient, wrapped)
	}
}

func isNonceError(e *rpcError) bool {
	return containsErr(e, "invalidnonce") ||
		containsErr(e, "nonce too large") ||
		containsErr(e, "nonce too small") ||
		containsErr(e, "invalid nonce")
}

func isExpiredError(e *rpcError) bool {
	return containsErr(e, "expired")
}

func isInvalidTxError(e *rpcError) bool {
	if e.Cause != nil && e.Cause.Name == "INVALID_TRANSACTION" {
		return true
	}
	return containsErr(e, "invalidsignature") ||
		containsErr(e, "invalidaccesskey") ||
		containsErr(e, "notenoughbalance") ||
		containsErr(e, "lackbalanceforstate") ||
		containsErr(e, "invalidsigner") ||
		containsErr(e, "invalidreceiver") ||
		containsErr(e, "signerdoesnotexist") ||
		containsErr(e, "parse_error") ||
		containsErr(e, "request_validation_error")
}

func isTimeoutError(e *rpcError) bool {
	return containsErr(e, "timeout") || e.Name == "INTERNAL_ERROR"
}

// containsErr lowercases both sides, matching the node's mixed casing of
// serde-rendered variant names and prose messages.
func containsErr(e *rpcError, sub string) bool {
	if e == nil {
		return false
	}
	blob := strings.ToLower(e.Name + " " + e.Message + " " + string(e.Data))
	if e.Cause != nil {
		blob += " " + strings.ToLower(e.Cause.Name+" "+string(e.Cause.Info))
	}
	return strings.Contains(blob, strings.ToLower(sub))
}

// classifyExecutionFailure maps the Failure branch of an execution outcome.
// A function-call failure is a contract-level panic; everything else on this
// path was accepted by the runtime and rejected during execution.
func classifyExecutionFailure(txHash string, failure json.RawMessage) error {
	detail := failureDetail(failure)
	low := strings.ToLower(detail)
	if strings.Contains(low, "functioncallerror") || strings.Contains(low, "smart contract panicked") {
		return types.Errorf(types.KindContractError, "tx %s: %s", txHash, detail)
	}
	return types.Errorf(types.KindInvalidTx, "tx %s: %s", txHash, detail)
}

// failureDetail digs the human-readable ExecutionError message out of the
// failure object, falling back to the raw JSON.
func failureDetail(failure json.RawMessage) string {
	var wrapper struct {
		ActionError struct {
			Kind json.RawMessage `json:"kind"`
		} `json:"ActionError"`
	}
	if err := json.Unmarshal(failure, &wrapper); err == nil && len(wrapper.ActionError.Kind) > 0 {
		var kind struct {
			FunctionCallError struct {
				ExecutionError string `json:"ExecutionError"`
			} `json:"FunctionCallError"`
		}
		if err := json.Unmarshal(wrapper.ActionError.Kind, &kind); err == nil && kind.FunctionCallError.ExecutionError != "" {
			return "FunctionCallError: " + kind.FunctionCallError.ExecutionError
		}
		return string(failure)
	}
	return string(failure)
}
