package journal

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/nearforge/ftgate/db"
	"github.com/nearforge/ftgate/db/inmemory"
	"github.com/nearforge/ftgate/db/pebbledb"
	"github.com/nearforge/ftgate/types"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	store, err := inmemory.New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	j, err := New(store, time.Hour)
	qt.Assert(t, err, qt.IsNil)
	return j
}

func succeededOutcome(at time.Time) types.Outcome {
	return types.Outcome{
		ID:         uuid.New(),
		Request:    types.TransferRequest{ReceiverID: "bob.testnet", Amount: "100", Memo: "hi"},
		Status:     types.OutcomeSucceeded,
		TxHash:     "9XyZ",
		Attempts:   1,
		Duration:   40 * time.Millisecond,
		FinishedAt: at,
	}
}

func TestRecordAndLookup(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)

	out := succeededOutcome(time.Now())
	c.Assert(j.Record(out), qt.IsNil)

	entry, err := j.Lookup(out.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.ID, qt.Equals, out.ID.String())
	c.Assert(entry.Status, qt.Equals, "succeeded")
	c.Assert(entry.ReceiverID, qt.Equals, "bob.testnet")
	c.Assert(entry.Amount, qt.Equals, "100")
	c.Assert(entry.TxHash, qt.Equals, "9XyZ")
	c.Assert(entry.Attempts, qt.Equals, 1)
	c.Assert(entry.DurationMs, qt.Equals, int64(40))
}

func TestLookupUnknown(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)

	_, err := j.Lookup(uuid.New())
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestLookupSurvivesCacheMiss(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)

	out := succeededOutcome(time.Now())
	c.Assert(j.Record(out), qt.IsNil)
	j.cache.Purge()

	entry, err := j.Lookup(out.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.ID, qt.Equals, out.ID.String())
}

func TestFailureFieldsRoundTrip(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)

	out := types.Outcome{
		ID:          uuid.New(),
		Request:     types.TransferRequest{ReceiverID: "eve.testnet", Amount: "5"},
		Status:      types.OutcomeFailed,
		ErrorKind:   types.KindContractError,
		ErrorDetail: "Smart contract panicked: not enough balance",
		Attempts:    3,
		FinishedAt:  time.Now(),
	}
	c.Assert(j.Record(out), qt.IsNil)
	j.cache.Purge()

	entry, err := j.Lookup(out.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.Status, qt.Equals, "failed")
	c.Assert(entry.ErrorKind, qt.Equals, "CONTRACT_ERROR")
	c.Assert(entry.ErrorDetail, qt.Equals, "Smart contract panicked: not enough balance")
	c.Assert(entry.Attempts, qt.Equals, 3)
	c.Assert(entry.TxHash, qt.Equals, "")
}

func TestPruneDropsOnlyExpired(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)
	now := time.Now()

	old := succeededOutcome(now.Add(-2 * time.Hour))
	fresh := succeededOutcome(now.Add(-time.Minute))
	c.Assert(j.Record(old), qt.IsNil)
	c.Assert(j.Record(fresh), qt.IsNil)

	n, err := j.Prune(now)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	_, err = j.Lookup(old.ID)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	entry, err := j.Lookup(fresh.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.ID, qt.Equals, fresh.ID.String())

	// The time index row went away with the record.
	var indexed int
	c.Assert(j.store.Iterate(timePrefix, func(k, v []byte) bool {
		indexed++
		return true
	}), qt.IsNil)
	c.Assert(indexed, qt.Equals, 1)
}

func TestPruneEmpty(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)
	n, err := j.Prune(time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
}

func TestObserverRecordsTerminal(t *testing.T) {
	c := qt.New(t)
	j := newTestJournal(t)

	out := succeededOutcome(time.Now())
	j.OnTransferTerminal(out)
	j.OnTransferQueued(&types.QueuedTransfer{})
	j.OnBatchProcessed(types.BatchMetrics{})

	entry, err := j.Lookup(out.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.Status, qt.Equals, "succeeded")
}

func TestPebbleBacked(t *testing.T) {
	c := qt.New(t)
	store, err := pebbledb.New(db.Options{Path: t.TempDir()})
	c.Assert(err, qt.IsNil)
	defer func() { c.Assert(store.Close(), qt.IsNil) }()

	j, err := New(store, time.Hour)
	c.Assert(err, qt.IsNil)

	now := time.Now()
	old := succeededOutcome(now.Add(-90 * time.Minute))
	fresh := succeededOutcome(now)
	c.Assert(j.Record(old), qt.IsNil)
	c.Assert(j.Record(fresh), qt.IsNil)

	n, err := j.Prune(now)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	j.cache.Purge()
	_, err = j.Lookup(old.ID)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	entry, err := j.Lookup(fresh.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.ID, qt.Equals, fresh.ID.String())
}
