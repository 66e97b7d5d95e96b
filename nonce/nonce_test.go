package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// fakeSource serves chain nonces from a map and counts queries.
type fakeSource struct {
	mu      sync.Mutex
	nonces  map[string]uint64
	queries atomic.Int64
	err     error
}

func (f *fakeSource) AccessKeyNonce(_ context.Context, accountID, publicKey string) (uint64, error) {
	f.queries.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[accountID+"|"+publicKey], nil
}

func (f *fakeSource) set(accountID, publicKey string, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[accountID+"|"+publicKey] = n
}

const (
	acct = "gateway.testnet"
	pk   = "ed25519:FakeKey111111111111111111111111111111111111"
)

func TestInitAndNext(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 41}}
	a := New(src)

	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	n, err := a.Next(acct, pk)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(42))
	n, err = a.Next(acct, pk)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(43))
}

func TestNextUnknownKey(t *testing.T) {
	c := qt.New(t)
	a := New(&fakeSource{nonces: map[string]uint64{}})
	_, err := a.Next(acct, pk)
	c.Assert(err, qt.ErrorIs, ErrUnknownKey)
}

// Concurrent Next calls must never hand out the same nonce twice.
func TestConcurrentUniqueness(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 0}}
	a := New(src)
	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	const workers = 16
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[uint64]int, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				n, err := a.Next(acct, pk)
				if err != nil {
					c.Errorf("next: %v", err)
					return
				}
				local = append(local, n)
			}
			mu.Lock()
			for _, n := range local {
				seen[n]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.Assert(len(seen), qt.Equals, workers*perWorker)
	for n, count := range seen {
		c.Assert(count, qt.Equals, 1, qt.Commentf("nonce %d handed out %d times", n, count))
	}
}

func TestDriftRefreshAdvances(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 10}}
	a := New(src)
	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	n, _ := a.Next(acct, pk)
	c.Assert(n, qt.Equals, uint64(11))

	// Someone else advanced the key on chain past our local counter.
	src.set(acct, pk, 99)
	a.Release(context.Background(), acct, pk, false, true)

	n, _ = a.Next(acct, pk)
	c.Assert(n, qt.Equals, uint64(100))
}

func TestDriftRefreshNeverMovesBackward(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 10}}
	a := New(src)
	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	// Local counter is far ahead of the chain.
	for i := 0; i < 50; i++ {
		_, err := a.Next(acct, pk)
		c.Assert(err, qt.IsNil)
	}
	a.Release(context.Background(), acct, pk, false, true)

	n, _ := a.Next(acct, pk)
	c.Assert(n, qt.Equals, uint64(61))
}

// A drift observed before an already completed resync must not trigger a
// second chain query.
func TestStaleDriftSkipsRefresh(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 5}}
	a := New(src)
	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	_, err := a.Next(acct, pk)
	c.Assert(err, qt.IsNil)

	// Pretend another goroutine resynchronized after this drift was seen.
	e := a.lookup(acct, pk)
	e.lastRefresh.Store(time.Now().Add(time.Minute).UnixNano())

	base := src.queries.Load()
	a.Release(context.Background(), acct, pk, false, true)
	c.Assert(src.queries.Load(), qt.Equals, base)
}

func TestInflightAccounting(t *testing.T) {
	c := qt.New(t)
	src := &fakeSource{nonces: map[string]uint64{acct + "|" + pk: 0}}
	a := New(src)
	c.Assert(a.InitKey(context.Background(), acct, pk), qt.IsNil)

	for i := 0; i < 3; i++ {
		_, err := a.Next(acct, pk)
		c.Assert(err, qt.IsNil)
	}
	snap := a.Snapshot()
	c.Assert(snap, qt.HasLen, 1)
	c.Assert(snap[0].Inflight, qt.Equals, int64(3))
	c.Assert(snap[0].NextNonce, qt.Equals, uint64(4))

	a.Release(context.Background(), acct, pk, true, false)
	a.Release(context.Background(), acct, pk, false, false)
	snap = a.Snapshot()
	c.Assert(snap[0].Inflight, qt.Equals, int64(1))
}
