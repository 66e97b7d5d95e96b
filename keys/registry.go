// Package keys tracks the master account's signing keys: health counters,
// activation state and an atomic round-robin selector that spreads load so
// per-key submission concurrency stays near one.
package keys

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/types"
)

const (
	// healthyErrorLimit is the consecutive-error count at which a key is
	// skipped during normal selection.
	healthyErrorLimit = 5
	// deactivateErrorLimit is the count beyond which a key is taken out of
	// service entirely.
	deactivateErrorLimit = 10
)

// ManagedKey is one signing key with its health counters. Counter fields
// are atomics because the executor's workers hit them in parallel.
type ManagedKey struct {
	AccountID string
	Pair      neartx.KeyPair
	// PublicKey is the cached `ed25519:<base58>` form used for RPC queries
	// and nonce-map keys.
	PublicKey string

	active            atomic.Bool
	usageCount        atomic.Int64
	lastUsedAt        atomic.Int64 // unix nanos, zero if never used
	consecutiveErrors atomic.Int32
}

func newManagedKey(accountID string, pair neartx.KeyPair) *ManagedKey {
	return &ManagedKey{
		AccountID: accountID,
		Pair:      pair,
		PublicKey: pair.PublicKeyString(),
	}
}

// Active reports whether the key is in service.
func (k *ManagedKey) Active() bool { return k.active.Load() }

// ConsecutiveErrors is the current error streak.
func (k *ManagedKey) ConsecutiveErrors() int { return int(k.consecutiveErrors.Load()) }

// UsageCount is the number of times the key was acquired.
func (k *ManagedKey) UsageCount() int64 { return k.usageCount.Load() }

// LastUsedAt is the last acquisition time, zero if never used.
func (k *ManagedKey) LastUsedAt() time.Time {
	ns := k.lastUsedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (k *ManagedKey) eligible() bool {
	return k.active.Load() && k.consecutiveErrors.Load() < healthyErrorLimit
}

func (k *ManagedKey) touch() {
	k.usageCount.Add(1)
	k.lastUsedAt.Store(time.Now().UnixNano())
}

// KeyInfo is the status-endpoint view of one key.
type KeyInfo struct {
	PublicKey         string    `json:"publicKey"`
	Active            bool      `json:"active"`
	UsageCount        int64     `json:"usageCount"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastUsedAt        time.Time `json:"lastUsedAt,omitempty"`
}

// Registry owns the key set. Selection state is atomic; the slice itself is
// guarded by a read-write mutex so rotation does not race selections.
type Registry struct {
	accountID string

	mu   sync.RWMutex
	keys []*ManagedKey
	rr   atomic.Uint64
}

// New builds a registry for accountID. Every key starts inactive; the
// control plane activates keys once their on-chain nonce state is known.
func New(accountID string, pairs []neartx.KeyPair) *Registry {
	r := &Registry{accountID: accountID}
	for _, pair := range pairs {
		r.keys = append(r.keys, newManagedKey(accountID, pair))
	}
	return r
}

// AccountID is the signer account every key belongs to.
func (r *Registry) AccountID() string { return r.accountID }

// Len is the total number of keys, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// ActiveCount is the number of keys in service.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, k := range r.keys {
		if k.active.Load() {
			n++
		}
	}
	return n
}

// Key returns the key at index i, or nil when out of range.
func (r *Registry) Key(i int) *ManagedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.keys) {
		return nil
	}
	return r.keys[i]
}

// SetActive flips a key's service state. Activation also clears the error
// streak so a revived key is not immediately skipped.
func (r *Registry) SetActive(i int, active bool) {
	k := r.Key(i)
	if k == nil {
		return
	}
	k.active.Store(active)
	if active {
		k.consecutiveErrors.Store(0)
	}
}

// Acquire picks an active, healthy key. A non-negative hint names the
// preferred slot; when the hinted key is unhealthy, selection falls back to
// an atomic round-robin scan over healthy keys, then over any active key.
// With no active keys it fails NO_KEYS.
func (r *Registry) Acquire(hint int) (*ManagedKey, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.keys)
	if n == 0 {
		return nil, 0, types.Errorf(types.KindNoKeys, "no signing keys configured")
	}
	if hint >= 0 {
		idx := hint % n
		if k := r.keys[idx]; k.eligible() {
			k.touch()
			return k, idx, nil
		}
	}
	start := int(r.rr.Add(1) - 1)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if k := r.keys[idx]; k.eligible() {
			k.touch()
			return k, idx, nil
		}
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if k := r.keys[idx]; k.active.Load() {
			k.touch()
			return k, idx, nil
		}
	}
	return nil, 0, types.Errorf(types.KindNoKeys, "all %d signing keys are out of service", n)
}

// MarkSuccess records a successful use, decrementing the error streak
// toward zero.
func (r *Registry) MarkSuccess(i int) {
	k := r.Key(i)
	if k == nil {
		return
	}
	for {
		cur := k.consecutiveErrors.Load()
		if cur == 0 {
			return
		}
		if k.consecutiveErrors.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// MarkFailure records a failed use. A streak beyond the deactivation limit
// takes the key out of service.
func (r *Registry) MarkFailure(i int) {
	k := r.Key(i)
	if k == nil {
		return
	}
	if streak := k.consecutiveErrors.Add(1); streak > deactivateErrorLimit {
		if k.active.CompareAndSwap(true, false) {
			log.Warnw("signing key deactivated after repeated failures",
				"publicKey", k.PublicKey, "consecutiveErrors", int(streak))
		}
	}
}

// Rotate replaces the key at index i. The replacement starts inactive with
// clean counters; callers re-initialize its nonce state and then activate
// it.
func (r *Registry) Rotate(i int, pair neartx.KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.keys) {
		return types.Errorf(types.KindValidation, "key index %d out of range", i)
	}
	old := r.keys[i]
	r.keys[i] = newManagedKey(r.accountID, pair)
	log.Infow("signing key rotated", "index", i, "old", old.PublicKey, "new", r.keys[i].PublicKey)
	return nil
}

// Snapshot lists every key's status view.
func (r *Registry) Snapshot() []KeyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, KeyInfo{
			PublicKey:         k.PublicKey,
			Active:            k.Active(),
			UsageCount:        k.UsageCount(),
			ConsecutiveErrors: k.ConsecutiveErrors(),
			LastUsedAt:        k.LastUsedAt(),
		})
	}
	return out
}
