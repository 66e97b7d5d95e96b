// Package rpctest runs a scriptable in-process JSON-RPC node for tests. It
// understands the handful of methods the gateway calls (status, block,
// query, broadcast_tx_commit), keeps per-access-key nonce state like the
// real runtime, and lets tests inject delays and failure verdicts.
package rpctest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/near/borsh-go"

	"github.com/nearforge/ftgate/neartx"
)

// Verdict tells the node how to answer one submission.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictInvalidNonce
	VerdictExpired
	VerdictContractPanic
	VerdictInternalError
)

// Decision is a verdict with its optional detail.
type Decision struct {
	Verdict  Verdict
	PanicMsg string
}

// Accept is the zero decision.
var Accept = Decision{Verdict: VerdictAccept}

// Node is the stub chain node. All exported methods are safe for concurrent
// use.
type Node struct {
	srv *httptest.Server

	mu         sync.Mutex
	chainID    string
	height     uint64
	accessKeys map[string]uint64
	accounts   map[string]struct{}
	views      map[string]func(args json.RawMessage) (any, error)
	onSubmit   func(tx *neartx.SignedTransaction) Decision
	delay      time.Duration
	submitted  []neartx.SignedTransaction

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	submitCount atomic.Int64
}

// New starts a stub node. Close it with Close.
func New() *Node {
	n := &Node{
		chainID:    "localnet",
		height:     1000,
		accessKeys: make(map[string]uint64),
		accounts:   make(map[string]struct{}),
		views:      make(map[string]func(args json.RawMessage) (any, error)),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	return n
}

func (n *Node) Close()      { n.srv.Close() }
func (n *Node) URL() string { return n.srv.URL }

// AddAccount registers an account for view_account queries.
func (n *Node) AddAccount(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[id] = struct{}{}
}

// AddAccessKey registers an access key with its current chain nonce.
func (n *Node) AddAccessKey(accountID, publicKey string, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accessKeys[accountID+"|"+publicKey] = nonce
}

// AccessKeyNonce reads the chain-side nonce for a key.
func (n *Node) AccessKeyNonce(accountID, publicKey string) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce, ok := n.accessKeys[accountID+"|"+publicKey]
	return nonce, ok
}

// HandleView registers a call_function handler for a contract method.
func (n *Node) HandleView(method string, fn func(args json.RawMessage) (any, error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.views[method] = fn
}

// OnSubmit overrides the default accept path for submissions. Return
// Accept to fall through to normal nonce bookkeeping.
func (n *Node) OnSubmit(fn func(tx *neartx.SignedTransaction) Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSubmit = fn
}

// SetDelay makes every submission take at least d.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// SubmitCount is the number of submissions received so far.
func (n *Node) SubmitCount() int64 { return n.submitCount.Load() }

// MaxInFlight is the highest number of concurrently processing submissions
// observed.
func (n *Node) MaxInFlight() int64 { return n.maxInFlight.Load() }

// Submissions returns a copy of every decoded submission, in arrival order.
func (n *Node) Submissions() []neartx.SignedTransaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]neartx.SignedTransaction, len(n.submitted))
	copy(out, n.submitted)
	return out
}

// blockHashAt derives a deterministic 32-byte hash for a height.
func blockHashAt(height uint64) [32]byte {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], height)
	return sha256.Sum256(seed[:])
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Name    string          `json:"name,omitempty"`
	Cause   *struct {
		Name string `json:"name"`
	} `json:"cause,omitempty"`
}

func handlerError(cause, message string, data string) *rpcErrorBody {
	e := &rpcErrorBody{
		Code:    -32000,
		Message: message,
		Name:    "HANDLER_ERROR",
		Cause: &struct {
			Name string `json:"name"`
		}{Name: cause},
	}
	if data != "" {
		e.Data = json.RawMessage(data)
	}
	return e
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result any
	var rpcErr *rpcErrorBody
	switch req.Method {
	case "status":
		result = n.handleStatus()
	case "block":
		result = n.handleBlock()
	case "query":
		result, rpcErr = n.handleQuery(req.Params)
	case "broadcast_tx_commit":
		result, rpcErr = n.handleSubmit(req.Params)
	default:
		rpcErr = &rpcErrorBody{Code: -32601, Message: fmt.Sprintf("method %s not found", req.Method), Name: "REQUEST_VALIDATION_ERROR"}
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) handleStatus() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]any{
		"chain_id": n.chainID,
		"sync_info": map[string]any{
			"latest_block_height": n.height,
			"latest_block_hash":   neartx.EncodeHash(blockHashAt(n.height)),
			"syncing":             false,
		},
	}
}

func (n *Node) handleBlock() any {
	n.mu.Lock()
	n.height++
	height := n.height
	n.mu.Unlock()
	return map[string]any{
		"header": map[string]any{
			"hash":   neartx.EncodeHash(blockHashAt(height)),
			"height": height,
		},
	}
}

func (n *Node) handleQuery(params json.RawMessage) (any, *rpcErrorBody) {
	var q struct {
		RequestType string          `json:"request_type"`
		AccountID   string          `json:"account_id"`
		PublicKey   string          `json:"public_key"`
		MethodName  string          `json:"method_name"`
		ArgsBase64  string          `json:"args_base64"`
		Finality    json.RawMessage `json:"finality"`
	}
	if err := json.Unmarshal(params, &q); err != nil {
		return nil, &rpcErrorBody{Code: -32700, Message: err.Error(), Name: "PARSE_ERROR"}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	height := n.height
	switch q.RequestType {
	case "view_access_key":
		nonce, ok := n.accessKeys[q.AccountID+"|"+q.PublicKey]
		if !ok {
			return map[string]any{
				"error":        fmt.Sprintf("access key %s does not exist while viewing", q.PublicKey),
				"block_height": height,
			}, nil
		}
		return map[string]any{
			"nonce":        nonce,
			"permission":   "FullAccess",
			"block_height": height,
			"block_hash":   neartx.EncodeHash(blockHashAt(height)),
		}, nil
	case "view_account":
		if _, ok := n.accounts[q.AccountID]; !ok {
			return nil, handlerError("UNKNOWN_ACCOUNT",
				fmt.Sprintf("account %s does not exist while viewing", q.AccountID), "")
		}
		return map[string]any{
			"amount":        "1000000000000000000000000",
			"locked":        "0",
			"code_hash":     "11111111111111111111111111111111",
			"storage_usage": 1024,
		}, nil
	case "call_function":
		fn, ok := n.views[q.MethodName]
		if !ok {
			return map[string]any{
				"error":        fmt.Sprintf("method %s does not exist", q.MethodName),
				"block_height": height,
			}, nil
		}
		args, err := base64.StdEncoding.DecodeString(q.ArgsBase64)
		if err != nil {
			return nil, &rpcErrorBody{Code: -32700, Message: err.Error(), Name: "PARSE_ERROR"}
		}
		out, err := fn(args)
		if err != nil {
			return map[string]any{"error": err.Error(), "block_height": height}, nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, &rpcErrorBody{Code: -32603, Message: err.Error(), Name: "INTERNAL_ERROR"}
		}
		bytesAsInts := make([]int, len(raw))
		for i, b := range raw {
			bytesAsInts[i] = int(b)
		}
		return map[string]any{"result": bytesAsInts, "logs": []string{}, "block_height": height}, nil
	default:
		return nil, &rpcErrorBody{Code: -32601, Message: "unknown request_type", Name: "REQUEST_VALIDATION_ERROR"}
	}
}

func (n *Node) handleSubmit(params json.RawMessage) (any, *rpcErrorBody) {
	cur := n.inFlight.Add(1)
	defer n.inFlight.Add(-1)
	for {
		max := n.maxInFlight.Load()
		if cur <= max || n.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	n.submitCount.Add(1)

	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) == 0 {
		return nil, &rpcErrorBody{Code: -32700, Message: "expected [signed_tx_base64]", Name: "PARSE_ERROR"}
	}
	var b64 string
	if err := json.Unmarshal(raw[0], &b64); err != nil {
		return nil, &rpcErrorBody{Code: -32700, Message: err.Error(), Name: "PARSE_ERROR"}
	}
	txBytes, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &rpcErrorBody{Code: -32700, Message: err.Error(), Name: "PARSE_ERROR"}
	}
	var st neartx.SignedTransaction
	if err := borsh.Deserialize(&st, txBytes); err != nil {
		return nil, handlerError("INVALID_TRANSACTION", "could not deserialize transaction", "")
	}

	n.mu.Lock()
	delay := n.delay
	hook := n.onSubmit
	n.submitted = append(n.submitted, st)
	n.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	decision := Accept
	if hook != nil {
		decision = hook(&st)
	}

	hash, err := st.Transaction.Hash()
	if err != nil {
		return nil, &rpcErrorBody{Code: -32603, Message: err.Error(), Name: "INTERNAL_ERROR"}
	}
	hashStr := neartx.EncodeHash(hash)

	switch decision.Verdict {
	case VerdictInvalidNonce:
		akNonce, _ := n.AccessKeyNonce(st.Transaction.SignerID, publicKeyString(st))
		data := fmt.Sprintf(`{"TxExecutionError":{"InvalidTxError":{"InvalidNonce":{"tx_nonce":%d,"ak_nonce":%d}}}}`,
			st.Transaction.Nonce, akNonce)
		return nil, handlerError("INVALID_TRANSACTION", "Invalid transaction", data)
	case VerdictExpired:
		return nil, handlerError("INVALID_TRANSACTION", "Invalid transaction",
			`{"TxExecutionError":{"InvalidTxError":"Expired"}}`)
	case VerdictContractPanic:
		msg := decision.PanicMsg
		if msg == "" {
			msg = "Smart contract panicked: transfer rejected"
		}
		status := map[string]any{
			"Failure": map[string]any{
				"ActionError": map[string]any{
					"index": 0,
					"kind": map[string]any{
						"FunctionCallError": map[string]any{"ExecutionError": msg},
					},
				},
			},
		}
		return submitResult(hashStr, status), nil
	case VerdictInternalError:
		return nil, &rpcErrorBody{Code: -32603, Message: "node is too busy", Name: "INTERNAL_ERROR"}
	}

	// Default accept path with runtime-like nonce bookkeeping.
	key := st.Transaction.SignerID + "|" + publicKeyString(st)
	n.mu.Lock()
	chainNonce, known := n.accessKeys[key]
	if !known {
		n.mu.Unlock()
		return nil, handlerError("INVALID_TRANSACTION", "Invalid transaction",
			`{"TxExecutionError":{"InvalidTxError":{"InvalidAccessKeyError":{"AccessKeyNotFound":{}}}}}`)
	}
	if st.Transaction.Nonce <= chainNonce {
		n.mu.Unlock()
		data := fmt.Sprintf(`{"TxExecutionError":{"InvalidTxError":{"InvalidNonce":{"tx_nonce":%d,"ak_nonce":%d}}}}`,
			st.Transaction.Nonce, chainNonce)
		return nil, handlerError("INVALID_TRANSACTION", "Invalid transaction", data)
	}
	n.accessKeys[key] = st.Transaction.Nonce
	n.mu.Unlock()

	return submitResult(hashStr, map[string]any{"SuccessValue": ""}), nil
}

func publicKeyString(st neartx.SignedTransaction) string {
	return st.Transaction.PublicKey.String()
}

func submitResult(hash string, status map[string]any) any {
	return map[string]any{
		"status":              status,
		"transaction":         map[string]any{"hash": hash},
		"transaction_outcome": map[string]any{"id": hash},
		"receipts_outcome":    []any{},
	}
}
