// Package journal persists terminal transfer outcomes so clients can poll
// a queue ID after the fact. Records are CBOR-encoded into a db.Database
// under two key families: "o/<id>" holds the record and "x/<nanos><id>"
// indexes it by completion time, which lets the retention sweep walk
// oldest-first and stop early without decoding anything.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nearforge/ftgate/db"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/types"
)

// ErrNotFound is returned when no terminal record exists for a queue ID.
var ErrNotFound = errors.New("journal: entry not found")

// SweepInterval is how often the retention sweeper runs. It can be changed
// before Start.
var SweepInterval = 10 * time.Minute

// DefaultRetention is how long terminal records are kept.
const DefaultRetention = 24 * time.Hour

const (
	cacheSize  = 4096
	pruneChunk = 4096
	// compactAfter is the sweep deletion count that triggers a store
	// compaction.
	compactAfter = 1000
)

// Entry is the stored form of a terminal outcome.
type Entry struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	ReceiverID  string    `json:"receiverId"`
	Amount      string    `json:"amount"`
	Memo        string    `json:"memo,omitempty"`
	TxHash      string    `json:"transactionHash,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Attempts    int       `json:"attempts"`
	DurationMs  int64     `json:"durationMs"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Journal records terminal outcomes and serves lookups. Safe for
// concurrent use.
type Journal struct {
	store     db.Database
	cache     *lru.Cache[uuid.UUID, *Entry]
	retention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wraps store with a journal keeping records for the given retention.
// A non-positive retention falls back to DefaultRetention.
func New(store db.Database, retention time.Duration) (*Journal, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New[uuid.UUID, *Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("journal cache: %w", err)
	}
	return &Journal{store: store, cache: cache, retention: retention}, nil
}

// Start launches the background retention sweeper.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	go j.sweeper(ctx)
}

// Stop halts the sweeper. The store itself is closed by the owner.
func (j *Journal) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
}

func (j *Journal) sweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(time.Now())
			if err != nil {
				log.Warnw("journal sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				log.Debugw("journal sweep", "pruned", n)
			}
		}
	}
}

// Record stores one terminal outcome.
func (j *Journal) Record(out types.Outcome) error {
	entry := &Entry{
		ID:          out.ID.String(),
		Status:      string(out.Status),
		ReceiverID:  out.Request.ReceiverID,
		Amount:      out.Request.Amount,
		Memo:        out.Request.Memo,
		TxHash:      out.TxHash,
		ErrorKind:   string(out.ErrorKind),
		ErrorDetail: out.ErrorDetail,
		Attempts:    out.Attempts,
		DurationMs:  out.Duration.Milliseconds(),
		FinishedAt:  out.FinishedAt,
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode outcome %s: %w", out.ID, err)
	}

	tx := j.store.WriteTx()
	defer tx.Discard()
	if err := tx.Set(outcomeKey(out.ID), raw); err != nil {
		return err
	}
	if err := tx.Set(timeKey(out.FinishedAt, out.ID), nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome %s: %w", out.ID, err)
	}
	j.cache.Add(out.ID, entry)
	return nil
}

// Lookup returns the terminal record for id, or ErrNotFound.
func (j *Journal) Lookup(id uuid.UUID) (*Entry, error) {
	if entry, ok := j.cache.Get(id); ok {
		return entry, nil
	}
	raw, err := j.store.Get(outcomeKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode outcome %s: %w", id, err)
	}
	j.cache.Add(id, entry)
	return entry, nil
}

// Prune removes records finished before now minus the retention window and
// returns how many were dropped. Called periodically by the sweeper; safe
// to call directly.
func (j *Journal) Prune(now time.Time) (int, error) {
	horizon := now.Add(-j.retention).UnixNano()

	var expired []uuid.UUID
	var indexKeys [][]byte
	err := j.store.Iterate(timePrefix, func(k, _ []byte) bool {
		ts, id, ok := splitTimeKey(k)
		if !ok {
			return true
		}
		if ts >= horizon {
			return false
		}
		expired = append(expired, id)
		indexKeys = append(indexKeys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for start := 0; start < len(expired); start += pruneChunk {
		end := start + pruneChunk
		if end > len(expired) {
			end = len(expired)
		}
		tx := j.store.WriteTx()
		for i := start; i < end; i++ {
			if err := tx.Delete(indexKeys[i]); err != nil {
				tx.Discard()
				return start, err
			}
			if err := tx.Delete(outcomeKey(expired[i])); err != nil {
				tx.Discard()
				return start, err
			}
		}
		if err := tx.Commit(); err != nil {
			tx.Discard()
			return start, err
		}
		tx.Discard()
		for i := start; i < end; i++ {
			j.cache.Remove(expired[i])
		}
	}

	if len(expired) >= compactAfter {
		if err := j.store.Compact(); err != nil {
			log.Warnw("journal compact failed", "error", err.Error())
		}
	}
	return len(expired), nil
}

// OnTransferQueued implements the dispatch observer; admission is not
// journaled.
func (j *Journal) OnTransferQueued(*types.QueuedTransfer) {}

// OnBatchProcessed implements the dispatch observer; batches are not
// journaled.
func (j *Journal) OnBatchProcessed(types.BatchMetrics) {}

// OnTransferTerminal records the outcome, logging instead of failing the
// pipeline when the store misbehaves.
func (j *Journal) OnTransferTerminal(out types.Outcome) {
	if err := j.Record(out); err != nil {
		log.Warnw("journal record failed", "id", out.ID.String(), "error", err.Error())
	}
}

var (
	outcomePrefix = []byte("o/")
	timePrefix    = []byte("x/")
)

func outcomeKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), outcomePrefix...), id[:]...)
}

func timeKey(at time.Time, id uuid.UUID) []byte {
	k := make([]byte, 0, len(timePrefix)+8+len(id))
	k = append(k, timePrefix...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	k = append(k, ts[:]...)
	return append(k, id[:]...)
}

func splitTimeKey(k []byte) (int64, uuid.UUID, bool) {
	if len(k) != len(timePrefix)+8+16 {
		return 0, uuid.UUID{}, false
	}
	ts := int64(binary.BigEndian.Uint64(k[len(timePrefix) : len(timePrefix)+8]))
	var id uuid.UUID
	copy(id[:], k[len(timePrefix)+8:])
	return ts, id, true
}
