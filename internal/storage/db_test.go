package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

// historyKey builds a key shaped like the chain store's history rows:
// namespace, 20-byte address, kind byte, txid, big-endian output index.
func historyKey(addr byte, kind byte, txid string, index uint32) []byte {
	key := []byte("y/")
	key = append(key, bytes.Repeat([]byte{addr}, 20)...)
	key = append(key, kind)
	key = append(key, []byte(txid)...)
	key = binary.BigEndian.AppendUint32(key, index)
	return key
}

func heightValue(height, value uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], value)
	return buf
}

// runDBSuite exercises a DB with the access patterns the node relies on.
func runDBSuite(t *testing.T, db DB) {
	t.Helper()

	t.Run("RowRoundTrip", func(t *testing.T) {
		key := historyKey(0xaa, 0x01, "txid-one", 0)
		if err := db.Put(key, heightValue(42, 5000)); err != nil {
			t.Fatalf("Put() error: %v", err)
		}

		val, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if binary.BigEndian.Uint64(val[:8]) != 42 || binary.BigEndian.Uint64(val[8:]) != 5000 {
			t.Errorf("row value = %x, want height 42 value 5000", val)
		}
	})

	t.Run("MissingRow", func(t *testing.T) {
		if _, err := db.Get(historyKey(0xbb, 0x01, "never-written", 9)); err == nil {
			t.Error("Get() for a row never written should error")
		}
		ok, err := db.Has(historyKey(0xbb, 0x01, "never-written", 9))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if ok {
			t.Error("Has() = true for a row never written")
		}
	})

	t.Run("RewriteAtHigherHeight", func(t *testing.T) {
		key := historyKey(0xcc, 0x01, "txid-two", 1)
		db.Put(key, heightValue(10, 77))
		db.Put(key, heightValue(11, 77))

		val, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got := binary.BigEndian.Uint64(val[:8]); got != 11 {
			t.Errorf("height after rewrite = %d, want 11", got)
		}
	})

	t.Run("DeletePeerRecord", func(t *testing.T) {
		key := []byte("peer/12D3KooWTest")
		db.Put(key, []byte(`{"addrs":["/ip4/127.0.0.1/tcp/30707"]}`))

		if err := db.Delete(key); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := db.Has(key); ok {
			t.Error("peer record should be gone after Delete()")
		}
		// Deleting again is a no-op.
		if err := db.Delete(key); err != nil {
			t.Errorf("Delete() of a missing record error: %v", err)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		key := []byte("peer/empty")
		if err := db.Put(key, []byte{}); err != nil {
			t.Fatalf("Put() empty value error: %v", err)
		}
		val, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() empty value error: %v", err)
		}
		if len(val) != 0 {
			t.Errorf("value = %d bytes, want empty", len(val))
		}
	})

	t.Run("BinaryKeys", func(t *testing.T) {
		// History keys contain raw address and txid bytes, including
		// zero and high bytes.
		key := historyKey(0x00, 0x02, string([]byte{0x00, 0xff, 0x7f}), 4096)
		want := heightValue(1, 1)
		if err := db.Put(key, want); err != nil {
			t.Fatalf("Put() binary key error: %v", err)
		}
		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get() binary key error: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Error("binary key round trip failed")
		}
	})

	t.Run("ScanAddressPrefix", func(t *testing.T) {
		addrPrefix := append([]byte("y/"), bytes.Repeat([]byte{0xdd}, 20)...)
		for i := uint32(0); i < 3; i++ {
			db.Put(historyKey(0xdd, 0x01, "txid-scan", i), heightValue(5, uint64(i)))
		}
		db.Put(historyKey(0xde, 0x01, "txid-scan", 0), heightValue(5, 9))

		var count int
		err := db.ForEach(addrPrefix, func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 3 {
			t.Errorf("rows under address prefix = %d, want 3", count)
		}
	})

	t.Run("ScanStopsOnError", func(t *testing.T) {
		for i := uint32(0); i < 5; i++ {
			db.Put(historyKey(0xee, 0x01, "txid-stop", i), heightValue(1, 1))
		}

		var seen int
		stop := fmt.Errorf("enough")
		err := db.ForEach(append([]byte("y/"), bytes.Repeat([]byte{0xee}, 20)...), func(key, value []byte) error {
			seen++
			if seen == 2 {
				return stop
			}
			return nil
		})
		if err != stop {
			t.Errorf("ForEach() error = %v, want the callback's error", err)
		}
		if seen != 2 {
			t.Errorf("callback ran %d times, want 2", seen)
		}
	})

	t.Run("ScanUnknownPrefix", func(t *testing.T) {
		var count int
		if err := db.ForEach([]byte("zz/"), func(key, value []byte) error {
			count++
			return nil
		}); err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 0 {
			t.Errorf("rows under unknown prefix = %d, want 0", count)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	runDBSuite(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	runDBSuite(t, db)
}

func TestBadgerDB_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	key := historyKey(0x11, 0x01, "txid-persist", 0)
	db1.Put(key, heightValue(99, 1234))
	db1.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get(key)
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if binary.BigEndian.Uint64(val[:8]) != 99 {
		t.Errorf("persisted height = %d, want 99", binary.BigEndian.Uint64(val[:8]))
	}
}
