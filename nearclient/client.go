// Package nearclient is the gateway's JSON-RPC client to the chain: a
// round-robin endpoint pool with transport-level retries, a TTL cache for
// the latest final block hash, and typed wrappers for the handful of RPC
// methods the pipeline needs.
package nearclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/types"
)

const (
	DefaultPoolSize   = 8
	DefaultTimeout    = 30 * time.Second
	DefaultRetries    = 3
	DefaultRetrySleep = 200 * time.Millisecond

	// blockHashTTL bounds staleness of the cached block hash. The chain
	// accepts hashes for a generous horizon, so 1 s of reuse is safe.
	blockHashTTL = time.Second

	maxResponseBytes = 16 << 20
)

// Config tunes the client. Zero values fall back to the defaults above.
type Config struct {
	PoolSize   int
	Timeout    time.Duration
	Retries    int
	RetrySleep time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 1 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = DefaultRetrySleep
	}
	return cfg
}

// Client is safe for concurrent use; parallelism is served by the endpoint
// pool underneath.
type Client struct {
	pool  *Pool
	cfg   Config
	reqID atomic.Uint64

	bhMu        sync.Mutex
	bhHash      [32]byte
	bhHeight    uint64
	bhFetchedAt time.Time
}

// New builds a client over one or more node URLs. The pool holds
// cfg.PoolSize endpoints spread across the URLs.
func New(nodeURLs []string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	pool, err := NewPool(nodeURLs, cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool, cfg: cfg}, nil
}

// Pool exposes the endpoint pool, mainly for health reporting.
func (c *Client) Pool() *Pool { return c.pool }

// Close releases idle connections.
func (c *Client) Close() { c.pool.Close() }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call performs one logical RPC. Transport failures rotate and retry over
// the pool up to cfg.Retries attempts; logical node errors return
// immediately, classified onto the failure taxonomy.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.NewError(types.KindTransient, ctx.Err())
			case <-time.After(c.cfg.RetrySleep):
			}
		}
		ep, err := c.pool.Next()
		if err != nil {
			return types.NewError(types.KindTransient, err)
		}
		result, rpcErr, err := c.do(ctx, ep, payload)
		if err != nil {
			// Transport-level failure: take the endpoint out and move on.
			c.pool.Disable(ep.URI)
			lastErr = err
			log.Debugw("rpc transport failure",
				"method", method, "endpoint", ep.URI, "attempt", attempt, "err", err.Error())
			continue
		}
		if rpcErr != nil {
			return classifyRPCError(method, rpcErr)
		}
		if out != nil {
			if err := json.Unmarshal(result, out); err != nil {
				return types.Errorf(types.KindTransient, "decode %s result: %v", method, err)
			}
		}
		return nil
	}
	return types.Errorf(types.KindTransient, "%s failed after %d attempts: %v", method, c.cfg.Retries, lastErr)
}

// do runs a single HTTP exchange against one endpoint.
func (c *Client) do(ctx context.Context, ep *Endpoint, payload []byte) (json.RawMessage, *rpcError, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ep.URI, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ep.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error, nil
	}
	return rr.Result, nil, nil
}

// finalExecutionOutcome is the subset of the node's execution outcome the
// gateway consumes.
type finalExecutionOutcome struct {
	Status      json.RawMessage `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

// SubmitTransaction sends a base64 signed transaction and awaits the final
// execution outcome. It returns the transaction hash; on failure the error
// carries a taxonomy kind (NONCE_DRIFT, INVALID_TX, CONTRACT_ERROR or
// TRANSIENT). An expired-transaction rejection invalidates the block-hash
// cache so the next signer picks up a fresh hash.
func (c *Client) SubmitTransaction(ctx context.Context, signedTxB64 string) (string, error) {
	var out finalExecutionOutcome
	if err := c.call(ctx, "broadcast_tx_commit", []any{signedTxB64}, &out); err != nil {
		if errors.Is(err, errExpiredTx) {
			c.InvalidateBlockHash()
		}
		return "", err
	}
	var st struct {
		SuccessValue *string         `json:"SuccessValue"`
		Failure      json.RawMessage `json:"Failure"`
	}
	if len(out.Status) > 0 {
		// The final status of a committed transaction is an object; bare
		// string states never reach this path.
		_ = json.Unmarshal(out.Status, &st)
	}
	if len(st.Failure) > 0 && string(st.Failure) != "null" {
		return out.Transaction.Hash, classifyExecutionFailure(out.Transaction.Hash, st.Failure)
	}
	return out.Transaction.Hash, nil
}

// AccessKeyView is the chain's record for one access key.
type AccessKeyView struct {
	Nonce       uint64
	BlockHeight uint64
	Permission  json.RawMessage
}

// ViewAccessKey queries the current access-key state for (accountID,
// publicKey). A key unknown to the chain returns ErrAccessKeyMissing.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	var res struct {
		Nonce       uint64          `json:"nonce"`
		BlockHeight uint64          `json:"block_height"`
		Permission  json.RawMessage `json:"permission"`
		Error       string          `json:"error"`
	}
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     "optimistic",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	if err := c.call(ctx, "query", params, &res); err != nil {
		return nil, err
	}
	// The query handler reports per-key misses inside the result body.
	if res.Error != "" {
		return nil, fmt.Errorf("%w: %s %s: %s", ErrAccessKeyMissing, accountID, publicKey, res.Error)
	}
	return &AccessKeyView{
		Nonce:       res.Nonce,
		BlockHeight: res.BlockHeight,
		Permission:  res.Permission,
	}, nil
}

// AccessKeyNonce is the allocator-facing shortcut for ViewAccessKey.
func (c *Client) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	view, err := c.ViewAccessKey(ctx, accountID, publicKey)
	if err != nil {
		return 0, err
	}
	return view.Nonce, nil
}

// AccountView is the subset of view_account the control plane checks at
// bootstrap.
type AccountView struct {
	Amount       string `json:"amount"`
	Locked       string `json:"locked"`
	CodeHash     string `json:"code_hash"`
	StorageUsage uint64 `json:"storage_usage"`
}

// ViewAccount fetches the account record, proving the account exists.
func (c *Client) ViewAccount(ctx context.Context, accountID string) (*AccountView, error) {
	var res AccountView
	params := map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	if err := c.call(ctx, "query", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ViewFunction calls a read-only contract method and returns the raw bytes
// the contract produced (JSON for NEP-141 views).
func (c *Client) ViewFunction(ctx context.Context, contractID, method string, args any) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}
	var res struct {
		Result      []int    `json:"result"`
		Logs        []string `json:"logs"`
		Error       string   `json:"error"`
		BlockHeight uint64   `json:"block_height"`
	}
	params := map[string]any{
		"request_type": "call_function",
		"finality":     "optimistic",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}
	if err := c.call(ctx, "query", params, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, types.Errorf(types.KindContractError, "view %s.%s: %s", contractID, method, res.Error)
	}
	raw := make([]byte, len(res.Result))
	for i, b := range res.Result {
		raw[i] = byte(b)
	}
	return raw, nil
}

// NodeStatus is the node identity and sync state used by health probes.
type NodeStatus struct {
	ChainID  string `json:"chain_id"`
	SyncInfo struct {
		LatestBlockHeight uint64 `json:"latest_block_height"`
		LatestBlockHash   string `json:"latest_block_hash"`
		Syncing           bool   `json:"syncing"`
	} `json:"sync_info"`
}

// Status fetches the node status.
func (c *Client) Status(ctx context.Context) (*NodeStatus, error) {
	var res NodeStatus
	if err := c.call(ctx, "status", []any{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LatestBlockHash returns the most recent final block hash, cached for up
// to one second. The mutex doubles as a single-flight guard: concurrent
// callers wait for one fetch instead of stampeding the node.
func (c *Client) LatestBlockHash(ctx context.Context) ([32]byte, error) {
	c.bhMu.Lock()
	defer c.bhMu.Unlock()
	if !c.bhFetchedAt.IsZero() && time.Since(c.bhFetchedAt) < blockHashTTL {
		return c.bhHash, nil
	}
	var res struct {
		Header struct {
			Hash   string `json:"hash"`
			Height uint64 `json:"height"`
		} `json:"header"`
	}
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &res); err != nil {
		return [32]byte{}, err
	}
	hash, err := neartx.DecodeHash(res.Header.Hash)
	if err != nil {
		return [32]byte{}, types.Errorf(types.KindTransient, "block hash: %v", err)
	}
	c.bhHash = hash
	c.bhHeight = res.Header.Height
	c.bhFetchedAt = time.Now()
	return hash, nil
}

// InvalidateBlockHash drops the cached hash; the next LatestBlockHash call
// refetches. Called on any expired-transaction rejection.
func (c *Client) InvalidateBlockHash() {
	c.bhMu.Lock()
	c.bhFetchedAt = time.Time{}
	c.bhMu.Unlock()
}

// BlockHeight reports the height the cached hash was fetched at, zero when
// nothing is cached.
func (c *Client) BlockHeight() uint64 {
	c.bhMu.Lock()
	defer c.bhMu.Unlock()
	return c.bhHeight
}
