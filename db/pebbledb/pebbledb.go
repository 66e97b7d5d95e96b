// Package pebbledb implements db.Database on cockroachdb/pebble. One pebble
// store holds the whole journal; write transactions map onto indexed
// batches. Note that pebble batches are write batches, not transactions:
// conflicting concurrent commits are last-writer-wins and Commit never
// returns db.ErrConflict.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/nearforge/ftgate/db"
)

// PebbleDB is an on-disk db.Database.
type PebbleDB struct {
	p *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble store at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("pebbledb: path is required")
	}
	p, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbledb: open %s: %w", opts.Path, err)
	}
	return &PebbleDB{p: p}, nil
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := d.p.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *PebbleDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it, err := d.p.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

func (d *PebbleDB) WriteTx() db.WriteTx {
	return &writeTx{batch: d.p.NewIndexedBatch()}
}

// Compact rewrites the whole keyspace. Called after retention sweeps drop
// large ranges of journal entries.
func (d *PebbleDB) Compact() error {
	it, err := d.p.NewIter(nil)
	if err != nil {
		return err
	}
	var first, last []byte
	if it.First() {
		first = bytes.Clone(it.Key())
	}
	if it.Last() {
		last = bytes.Clone(it.Key())
	}
	if err := it.Close(); err != nil {
		return err
	}
	if first == nil || bytes.Compare(first, last) >= 0 {
		return nil
	}
	return d.p.Compact(first, last, true)
}

func (d *PebbleDB) Close() error {
	return d.p.Close()
}

type writeTx struct {
	batch    *pebble.Batch
	finished bool
}

var _ db.WriteTx = (*writeTx)(nil)

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	v, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *writeTx) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it, err := tx.batch.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

func (tx *writeTx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *writeTx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

func (tx *writeTx) Commit() error {
	if tx.finished {
		return fmt.Errorf("commit on finished tx")
	}
	tx.finished = true
	err := tx.batch.Commit(pebble.Sync)
	_ = tx.batch.Close()
	return err
}

func (tx *writeTx) Discard() {
	if tx.finished {
		return
	}
	tx.finished = true
	_ = tx.batch.Close()
}

// iterOptions bounds an iterator to the given key prefix. A nil return
// walks everything.
func iterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return nil
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when the prefix is all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
