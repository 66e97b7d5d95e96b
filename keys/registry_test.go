package keys

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/types"
)

const testAccount = "gateway.testnet"

func newTestRegistry(c *qt.C, n int) *Registry {
	c.Helper()
	pairs := make([]neartx.KeyPair, n)
	for i := range pairs {
		pair, err := neartx.GenerateKeyPair()
		c.Assert(err, qt.IsNil)
		pairs[i] = pair
	}
	return New(testAccount, pairs)
}

// activate flips every key into service the way the control plane does
// after nonce initialization.
func activate(r *Registry) {
	for i := 0; i < r.Len(); i++ {
		r.SetActive(i, true)
	}
}

func TestRegistryStartsInactive(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 3)

	c.Assert(r.Len(), qt.Equals, 3)
	c.Assert(r.ActiveCount(), qt.Equals, 0)
	c.Assert(r.AccountID(), qt.Equals, testAccount)

	_, _, err := r.Acquire(-1)
	c.Assert(types.KindOf(err), qt.Equals, types.KindNoKeys)

	r.SetActive(1, true)
	c.Assert(r.ActiveCount(), qt.Equals, 1)
	k, idx, err := r.Acquire(-1)
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, 1)
	c.Assert(k.UsageCount(), qt.Equals, int64(1))
	c.Assert(k.LastUsedAt().IsZero(), qt.IsFalse)
}

func TestAcquireEmptyRegistry(t *testing.T) {
	c := qt.New(t)
	r := New(testAccount, nil)
	_, _, err := r.Acquire(-1)
	c.Assert(types.KindOf(err), qt.Equals, types.KindNoKeys)
	c.Assert(err, qt.ErrorMatches, "NO_KEYS: no signing keys configured")
}

func TestAcquireHonorsHint(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 4)
	activate(r)

	for i := 0; i < 10; i++ {
		k, idx, err := r.Acquire(2)
		c.Assert(err, qt.IsNil)
		c.Assert(idx, qt.Equals, 2)
		c.Assert(k, qt.Equals, r.Key(2))
	}
	c.Assert(r.Key(2).UsageCount(), qt.Equals, int64(10))
	c.Assert(r.Key(0).UsageCount(), qt.Equals, int64(0))
}

func TestAcquireRoundRobinSpread(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 4)
	activate(r)

	for i := 0; i < 40; i++ {
		_, _, err := r.Acquire(-1)
		c.Assert(err, qt.IsNil)
	}
	// The atomic counter walks every slot, so usage is even.
	for i := 0; i < 4; i++ {
		c.Assert(r.Key(i).UsageCount(), qt.Equals, int64(10),
			qt.Commentf("key %d starved by round-robin", i))
	}
}

func TestAcquireSkipsUnhealthyHint(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 2)
	activate(r)

	for i := 0; i < healthyErrorLimit; i++ {
		r.MarkFailure(0)
	}
	c.Assert(r.Key(0).Active(), qt.IsTrue)

	// The hinted key is still active but its streak disqualifies it.
	k, idx, err := r.Acquire(0)
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, 1)
	c.Assert(k, qt.Equals, r.Key(1))
}

func TestAcquireDegradedFallback(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 2)
	activate(r)

	// Every key past the healthy limit but still active: selection must
	// degrade to any active key rather than fail.
	for i := 0; i < healthyErrorLimit; i++ {
		r.MarkFailure(0)
		r.MarkFailure(1)
	}
	_, _, err := r.Acquire(-1)
	c.Assert(err, qt.IsNil)
}

func TestMarkFailureDeactivates(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 2)
	activate(r)

	for i := 0; i <= deactivateErrorLimit; i++ {
		r.MarkFailure(0)
	}
	c.Assert(r.Key(0).Active(), qt.IsFalse)
	c.Assert(r.ActiveCount(), qt.Equals, 1)

	// Selection never lands on the dead key again.
	for i := 0; i < 10; i++ {
		_, idx, err := r.Acquire(0)
		c.Assert(err, qt.IsNil)
		c.Assert(idx, qt.Equals, 1)
	}

	for i := 0; i <= deactivateErrorLimit; i++ {
		r.MarkFailure(1)
	}
	_, _, err := r.Acquire(-1)
	c.Assert(types.KindOf(err), qt.Equals, types.KindNoKeys)
	c.Assert(err, qt.ErrorMatches, "NO_KEYS: all 2 signing keys are out of service")
}

func TestMarkSuccessDecaysStreak(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 1)
	activate(r)

	for i := 0; i < 4; i++ {
		r.MarkFailure(0)
	}
	c.Assert(r.Key(0).ConsecutiveErrors(), qt.Equals, 4)

	r.MarkSuccess(0)
	r.MarkSuccess(0)
	c.Assert(r.Key(0).ConsecutiveErrors(), qt.Equals, 2)

	// Decay stops at zero.
	for i := 0; i < 5; i++ {
		r.MarkSuccess(0)
	}
	c.Assert(r.Key(0).ConsecutiveErrors(), qt.Equals, 0)
}

func TestReactivationClearsStreak(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 1)
	activate(r)

	for i := 0; i <= deactivateErrorLimit; i++ {
		r.MarkFailure(0)
	}
	c.Assert(r.Key(0).Active(), qt.IsFalse)

	r.SetActive(0, true)
	c.Assert(r.Key(0).Active(), qt.IsTrue)
	c.Assert(r.Key(0).ConsecutiveErrors(), qt.Equals, 0)

	k, idx, err := r.Acquire(0)
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, 0)
	c.Assert(k.eligible(), qt.IsTrue)
}

func TestRotateReplacesKey(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 2)
	activate(r)
	oldPub := r.Key(0).PublicKey
	for i := 0; i < 3; i++ {
		r.MarkFailure(0)
	}

	pair, err := neartx.GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	c.Assert(r.Rotate(0, pair), qt.IsNil)

	k := r.Key(0)
	c.Assert(k.PublicKey, qt.Not(qt.Equals), oldPub)
	c.Assert(k.PublicKey, qt.Equals, pair.PublicKeyString())
	c.Assert(k.Active(), qt.IsFalse)
	c.Assert(k.ConsecutiveErrors(), qt.Equals, 0)
	c.Assert(k.UsageCount(), qt.Equals, int64(0))

	err = r.Rotate(5, pair)
	c.Assert(types.KindOf(err), qt.Equals, types.KindValidation)
}

func TestSnapshot(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 3)
	r.SetActive(0, true)
	_, _, err := r.Acquire(0)
	c.Assert(err, qt.IsNil)
	r.MarkFailure(1)

	snap := r.Snapshot()
	c.Assert(snap, qt.HasLen, 3)
	c.Assert(snap[0].Active, qt.IsTrue)
	c.Assert(snap[0].UsageCount, qt.Equals, int64(1))
	c.Assert(snap[0].LastUsedAt.IsZero(), qt.IsFalse)
	c.Assert(snap[1].Active, qt.IsFalse)
	c.Assert(snap[1].ConsecutiveErrors, qt.Equals, 1)
	c.Assert(snap[2].UsageCount, qt.Equals, int64(0))
	c.Assert(snap[2].LastUsedAt.IsZero(), qt.IsTrue)
}

// Concurrent acquisitions and health updates must not race or starve.
func TestConcurrentAcquire(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(c, 4)
	activate(r)

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k, idx, err := r.Acquire(seed)
				if err != nil {
					c.Errorf("acquire: %v", err)
					return
				}
				if k == nil {
					c.Errorf("acquire returned nil key")
					return
				}
				if i%7 == 0 {
					r.MarkFailure(idx)
				} else {
					r.MarkSuccess(idx)
				}
			}
		}(w % 4)
	}
	wg.Wait()

	var total int64
	for i := 0; i < 4; i++ {
		total += r.Key(i).UsageCount()
	}
	c.Assert(total, qt.Equals, int64(workers*perWorker))
}
