// Package nonce tracks the next transaction nonce for every signing key.
// NEAR orders transactions per access key by a strictly increasing nonce, so
// the allocator hands out nonces atomically and resynchronizes from the
// chain when a submission is rejected for nonce drift.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/log"
)

// ErrUnknownKey is returned when a nonce is requested for a key the
// allocator was never initialized with.
var ErrUnknownKey = errors.New("nonce: unknown key")

// Source supplies the chain-side view of an access key nonce.
type Source interface {
	AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error)
}

// entry holds nonce state for one (account, public key) pair. The next
// nonce advances atomically; refreshes serialize on refreshMu so a burst of
// drift failures costs a single chain query.
type entry struct {
	accountID string
	publicKey string

	next     atomic.Uint64
	inflight atomic.Int64

	refreshMu   sync.Mutex
	lastRefresh atomic.Int64 // unix nanos of the last chain resync
}

// KeyNonceInfo is a point-in-time view of one key's nonce state.
type KeyNonceInfo struct {
	AccountID     string    `json:"accountId"`
	PublicKey     string    `json:"publicKey"`
	NextNonce     uint64    `json:"nextNonce"`
	Inflight      int64     `json:"inflight"`
	LastRefreshed time.Time `json:"lastRefreshedAt"`
}

// Allocator is the process-wide nonce authority. Safe for concurrent use.
type Allocator struct {
	source  Source
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an allocator backed by the given chain source.
func New(source Source) *Allocator {
	return &Allocator{
		source:  source,
		entries: make(map[string]*entry),
	}
}

func keyOf(accountID, publicKey string) string {
	return accountID + "|" + publicKey
}

// InitKey seeds nonce state for one key from the chain. The first usable
// nonce is the chain nonce plus one. Calling InitKey again for the same key
// re-seeds it only forward, never backward.
func (a *Allocator) InitKey(ctx context.Context, accountID, publicKey string) error {
	chainNonce, err := a.source.AccessKeyNonce(ctx, accountID, publicKey)
	if err != nil {
		return fmt.Errorf("query access key %s of %s: %w", publicKey, accountID, err)
	}

	a.mu.Lock()
	e, ok := a.entries[keyOf(accountID, publicKey)]
	if !ok {
		e = &entry{accountID: accountID, publicKey: publicKey}
		a.entries[keyOf(accountID, publicKey)] = e
	}
	a.mu.Unlock()

	advance(&e.next, chainNonce+1)
	e.lastRefresh.Store(time.Now().UnixNano())
	log.Debugw("nonce state initialized",
		"account", accountID, "publicKey", publicKey, "nextNonce", e.next.Load())
	return nil
}

// Next atomically reserves the next nonce for the key. A failed submission
// does not return its nonce; gaps are acceptable, reuse is not.
func (a *Allocator) Next(accountID, publicKey string) (uint64, error) {
	e := a.lookup(accountID, publicKey)
	if e == nil {
		return 0, fmt.Errorf("%w: %s %s", ErrUnknownKey, accountID, publicKey)
	}
	e.inflight.Add(1)
	return e.next.Add(1) - 1, nil
}

// Release marks a reserved nonce as settled. When the submission failed
// with nonce drift the allocator resynchronizes from the chain before
// returning, so the next transfer signed with this key uses a valid nonce.
func (a *Allocator) Release(ctx context.Context, accountID, publicKey string, success, drift bool) {
	e := a.lookup(accountID, publicKey)
	if e == nil {
		return
	}
	e.inflight.Add(-1)
	if !drift {
		return
	}
	a.refresh(ctx, e)
}

// refresh re-queries the chain nonce and advances the local counter to
// max(local, chain+1). Concurrent drift failures for the same key collapse
// into one query: whoever holds refreshMu does the work, and anyone who
// observed the drift before that refresh completed skips their own.
func (a *Allocator) refresh(ctx context.Context, e *entry) {
	observedAt := time.Now().UnixNano()

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if e.lastRefresh.Load() > observedAt {
		return
	}

	chainNonce, err := a.source.AccessKeyNonce(ctx, e.accountID, e.publicKey)
	if err != nil {
		log.Warnw("nonce refresh failed",
			"account", e.accountID, "publicKey", e.publicKey, "error", err.Error())
		return
	}
	before := e.next.Load()
	advance(&e.next, chainNonce+1)
	e.lastRefresh.Store(time.Now().UnixNano())
	log.Warnw("nonce resynchronized after drift",
		"account", e.accountID, "publicKey", e.publicKey,
		"localNext", before, "chainNonce", chainNonce, "nextNonce", e.next.Load())
}

// advance raises n to at least want. Never moves backward.
func advance(n *atomic.Uint64, want uint64) {
	for {
		cur := n.Load()
		if want <= cur {
			return
		}
		if n.CompareAndSwap(cur, want) {
			return
		}
	}
}

func (a *Allocator) lookup(accountID, publicKey string) *entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries[keyOf(accountID, publicKey)]
}

// Snapshot reports nonce state for every initialized key.
func (a *Allocator) Snapshot() []KeyNonceInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]KeyNonceInfo, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, KeyNonceInfo{
			AccountID:     e.accountID,
			PublicKey:     e.publicKey,
			NextNonce:     e.next.Load(),
			Inflight:      e.inflight.Load(),
			LastRefreshed: time.Unix(0, e.lastRefresh.Load()),
		})
	}
	return out
}
