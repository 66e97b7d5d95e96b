// Package dbtest holds the behavior suite every db.Database backend must
// pass. Backend test files call into it with a fresh database.
package dbtest

import (
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/nearforge/ftgate/db"
)

// TestWriteTx exercises the write transaction contract.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()

	key := []byte("key")
	_, err := wTx.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Set(key, []byte("one")), qt.IsNil)
	v, err := wTx.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "one")

	// Uncommitted writes are invisible outside the tx.
	_, err = database.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	v, err = database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "one")

	// Overwrite and delete in a second tx.
	wTx = database.WriteTx()
	c.Assert(wTx.Set(key, []byte("two")), qt.IsNil)
	c.Assert(wTx.Delete([]byte("never-existed")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	v, err = database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "two")

	// Deletes become visible on commit.
	wTx = database.WriteTx()
	c.Assert(wTx.Delete(key), qt.IsNil)
	_, err = wTx.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	_, err = database.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestDiscard verifies discarded writes never land.
func TestDiscard(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("ghost"), []byte("x")), qt.IsNil)
	wTx.Discard()

	_, err := database.Get([]byte("ghost"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate exercises prefix iteration on both the database and a live
// write transaction.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	for i := 0; i < 5; i++ {
		c.Assert(wTx.Set([]byte(fmt.Sprintf("a/%d", i)), []byte{byte(i)}), qt.IsNil)
		c.Assert(wTx.Set([]byte(fmt.Sprintf("b/%d", i)), []byte{byte(10 + i)}), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	var gotKeys []string
	err := database.Iterate([]byte("a/"), func(k, v []byte) bool {
		gotKeys = append(gotKeys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(gotKeys, qt.DeepEquals, []string{"a/0", "a/1", "a/2", "a/3", "a/4"})

	// Early stop.
	n := 0
	err = database.Iterate([]byte("a/"), func(k, v []byte) bool {
		n++
		return n < 2
	})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)

	// Nil prefix walks everything.
	n = 0
	err = database.Iterate(nil, func(k, v []byte) bool {
		n++
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 10)

	// A live tx sees its own pending writes merged in.
	wTx = database.WriteTx()
	c.Assert(wTx.Set([]byte("a/9"), []byte{9}), qt.IsNil)
	c.Assert(wTx.Delete([]byte("a/0")), qt.IsNil)
	gotKeys = nil
	err = wTx.Iterate([]byte("a/"), func(k, v []byte) bool {
		gotKeys = append(gotKeys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(gotKeys, qt.DeepEquals, []string{"a/1", "a/2", "a/3", "a/4", "a/9"})
	wTx.Discard()
}
