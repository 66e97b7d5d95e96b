// Package inmemory implements db.Database on a plain map. It backs the
// journal when no data directory is configured and keeps storage tests
// fast. Write transactions use optimistic concurrency: each key carries a
// version, and Commit fails with db.ErrConflict when a key read by the
// transaction changed underneath it.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/nearforge/ftgate/db"
)

// DB is an ephemeral db.Database.
type DB struct {
	mu       sync.RWMutex
	data     map[string][]byte
	versions map[string]uint64 // survive deletions so stale reads still conflict
	clock    uint64
}

var _ db.Database = (*DB)(nil)

// New returns an empty in-memory database. Options are ignored.
func New(_ db.Options) (*DB, error) {
	return &DB{
		data:     make(map[string][]byte),
		versions: make(map[string]uint64),
	}, nil
}

func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (d *DB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	d.mu.RLock()
	snapshot := d.snapshotPrefix(prefix)
	d.mu.RUnlock()
	walkSorted(snapshot, fn)
	return nil
}

func (d *DB) WriteTx() db.WriteTx {
	return &writeTx{
		db:     d,
		writes: make(map[string]*[]byte),
		reads:  make(map[string]uint64),
	}
}

func (d *DB) Compact() error { return nil }

func (d *DB) Close() error { return nil }

// snapshotPrefix copies all live entries under prefix. Caller holds mu.
func (d *DB) snapshotPrefix(prefix []byte) map[string][]byte {
	out := make(map[string][]byte)
	for k, v := range d.data {
		if len(prefix) > 0 && !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		out[k] = bytes.Clone(v)
	}
	return out
}

// versionOf returns the commit version of key, zero if never written.
// Caller holds mu.
func (d *DB) versionOf(key string) uint64 {
	return d.versions[key]
}

// writeTx buffers writes until Commit. A nil pending value marks a
// deletion.
type writeTx struct {
	db       *DB
	writes   map[string]*[]byte
	reads    map[string]uint64
	finished bool
}

var _ db.WriteTx = (*writeTx)(nil)

// observe records the version of key at first contact. Later commits
// compare against it.
func (tx *writeTx) observe(key string) {
	if _, seen := tx.reads[key]; seen {
		return
	}
	tx.db.mu.RLock()
	tx.reads[key] = tx.db.versionOf(key)
	tx.db.mu.RUnlock()
}

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if pending, ok := tx.writes[k]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.observe(k)
	return tx.db.Get(key)
}

func (tx *writeTx) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	tx.db.mu.RLock()
	merged := tx.db.snapshotPrefix(prefix)
	for k := range merged {
		tx.reads[k] = tx.db.versionOf(k)
	}
	tx.db.mu.RUnlock()

	for k, pending := range tx.writes {
		if len(prefix) > 0 && !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if pending == nil {
			delete(merged, k)
			continue
		}
		merged[k] = bytes.Clone(*pending)
	}
	walkSorted(merged, fn)
	return nil
}

func (tx *writeTx) Set(key, value []byte) error {
	k := string(key)
	tx.observe(k)
	v := bytes.Clone(value)
	tx.writes[k] = &v
	return nil
}

func (tx *writeTx) Delete(key []byte) error {
	k := string(key)
	tx.observe(k)
	tx.writes[k] = nil
	return nil
}

func (tx *writeTx) Commit() error {
	if tx.finished {
		return fmt.Errorf("commit on finished tx")
	}
	tx.finished = true

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key, seen := range tx.reads {
		if tx.db.versionOf(key) != seen {
			return db.ErrConflict
		}
	}
	for key, pending := range tx.writes {
		tx.db.clock++
		tx.db.versions[key] = tx.db.clock
		if pending == nil {
			delete(tx.db.data, key)
			continue
		}
		tx.db.data[key] = *pending
	}
	return nil
}

func (tx *writeTx) Discard() {
	tx.finished = true
	tx.writes = nil
	tx.reads = nil
}

func walkSorted(entries map[string][]byte, fn func(key, value []byte) bool) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !fn([]byte(k), entries[k]) {
			return
		}
	}
}
