package pebbledb

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/nearforge/ftgate/db"
	"github.com/nearforge/ftgate/db/internal/dbtest"
)

func TestWriteTx(t *testing.T) {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	defer func() { qt.Assert(t, database.Close(), qt.IsNil) }()

	dbtest.TestWriteTx(t, database)
}

func TestDiscard(t *testing.T) {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	defer func() { qt.Assert(t, database.Close(), qt.IsNil) }()

	dbtest.TestDiscard(t, database)
}

func TestIterate(t *testing.T) {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	defer func() { qt.Assert(t, database.Close(), qt.IsNil) }()

	dbtest.TestIterate(t, database)
}

// Pebble batches are write batches, not transactions: they never report
// db.ErrConflict. The journal's single-writer usage does not depend on
// conflict detection, so only the inmemory backend tests it.

func TestReopenPersists(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	database, err := New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("persist"), []byte("yes")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()
	c.Assert(database.Close(), qt.IsNil)

	database, err = New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	defer func() { c.Assert(database.Close(), qt.IsNil) }()
	v, err := database.Get([]byte("persist"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "yes")
}

func TestCompactEmptyAndFull(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{Path: t.TempDir()})
	c.Assert(err, qt.IsNil)
	defer func() { c.Assert(database.Close(), qt.IsNil) }()

	c.Assert(database.Compact(), qt.IsNil)

	wTx := database.WriteTx()
	for i := byte(0); i < 20; i++ {
		c.Assert(wTx.Set([]byte{'k', i}, []byte{i}), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()
	c.Assert(database.Compact(), qt.IsNil)
}
