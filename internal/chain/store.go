// Package chain persists confirmed transaction history to disk.
//
// The store keeps one row per address touch: an output row for every
// payment to an address and a spend row for every input that consumes
// one. Rows are keyed so that rewriting a confirmed transaction is a
// no-op, which makes confirmation replay safe.
package chain

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/log"
	"github.com/ember-network/ember-chain/internal/storage"
	"github.com/ember-network/ember-chain/pkg/crypto"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
)

// RowKind distinguishes history row types.
type RowKind uint8

// History row kinds.
const (
	RowOutput RowKind = iota
	RowSpend
)

// String returns the row kind name used in console output.
func (k RowKind) String() string {
	switch k {
	case RowOutput:
		return "OUTPUT"
	case RowSpend:
		return "SPEND"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Row is one confirmed history entry for an address. For output rows
// Value is the amount paid; for spend rows Value is the checksum of the
// previous output point being consumed.
type Row struct {
	Kind   RowKind
	Point  types.Outpoint
	Height uint64
	Value  uint64
}

// prefixHistory keys history rows:
// y/<addr(20)><kind(1)><txid(32)><index(4 BE)> -> height(8 BE) + value(8 BE)
var prefixHistory = []byte("y/")

// Store writes confirmed transaction history to a Badger database. All
// writes run on the disk pool; reads are synchronous.
type Store struct {
	path string
	pool *exec.Pool

	mu        sync.Mutex
	db        storage.DB
	confirmed func(*tx.Transaction)
}

// NewStore creates a store that will open its database at path and run
// writes on the given pool. Call Start before use.
func NewStore(path string, pool *exec.Pool) *Store {
	return &Store{path: path, pool: pool}
}

// SetConfirmedHandler registers fn to be called after each transaction's
// history rows reach disk. Must be called before Start.
func (s *Store) SetConfirmedHandler(fn func(*tx.Transaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = fn
}

// Start opens the database. A failure here is not recoverable and the
// caller should abort startup.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := storage.NewBadger(s.path)
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	s.db = db
	log.Chain.Info().Str("path", s.path).Msg("Chain store opened")
	return nil
}

// Stop closes the database. Safe to call more than once.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close chain store: %w", err)
	}
	log.Chain.Info().Msg("Chain store closed")
	return nil
}

// DB returns the underlying database, shared with components that keep
// their own keyspace in the same store. Returns nil before Start.
func (s *Store) DB() storage.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// WriteConfirmed records the history rows for a confirmed transaction at
// the given height, then fires the confirmed handler. The write runs on
// the disk pool; onDone receives the write result and may be nil. If the
// pool has already stopped, onDone is called immediately with
// exec.ErrStopped.
func (s *Store) WriteConfirmed(t *tx.Transaction, height uint64, onDone func(error)) {
	if onDone == nil {
		onDone = func(error) {}
	}
	err := s.pool.Submit(func() {
		onDone(s.writeConfirmed(t, height))
	})
	if err != nil {
		log.Chain.Debug().
			Str("tx", t.Hash().String()).
			Msg("Confirmation write dropped, store shutting down")
		onDone(err)
	}
}

func (s *Store) writeConfirmed(t *tx.Transaction, height uint64) error {
	s.mu.Lock()
	db := s.db
	confirmed := s.confirmed
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("chain store not started")
	}

	txid := t.Hash()

	for i, out := range t.Outputs {
		addr, ok := out.Script.PayeeAddress()
		if !ok {
			continue
		}
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		key := historyKey(addr, RowOutput, point)
		if err := db.Put(key, historyValue(height, out.Value)); err != nil {
			return fmt.Errorf("output row put: %w", err)
		}
	}

	for i, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		addr := crypto.AddressFromPubKey(in.PubKey)
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		key := historyKey(addr, RowSpend, point)
		if err := db.Put(key, historyValue(height, SpendChecksum(in.PrevOut))); err != nil {
			return fmt.Errorf("spend row put: %w", err)
		}
	}

	log.Chain.Debug().
		Str("tx", txid.String()).
		Uint64("height", height).
		Msg("Transaction history written")

	if confirmed != nil {
		confirmed(t)
	}
	return nil
}

// FetchHistory returns all confirmed history rows for an address, in key
// order. An address with no history yields an empty slice, not an error.
func (s *Store) FetchHistory(addr types.Address) ([]Row, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("chain store not started")
	}

	prefix := make([]byte, 0, len(prefixHistory)+types.AddressSize)
	prefix = append(prefix, prefixHistory...)
	prefix = append(prefix, addr[:]...)

	var rows []Row
	err := db.ForEach(prefix, func(key, value []byte) error {
		row, err := decodeRow(key, value)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history scan: %w", err)
	}
	return rows, nil
}

// SpendChecksum derives the compact identifier recorded in a spend row
// for the output point it consumes. Callers correlate spends with
// outputs by comparing this against the checksum of an output row point.
func SpendChecksum(point types.Outpoint) uint64 {
	var buf [types.HashSize + 4]byte
	copy(buf[:types.HashSize], point.TxID[:])
	binary.BigEndian.PutUint32(buf[types.HashSize:], point.Index)
	h := crypto.Hash(buf[:])
	return binary.BigEndian.Uint64(h[:8])
}

func historyKey(addr types.Address, kind RowKind, point types.Outpoint) []byte {
	key := make([]byte, 0, len(prefixHistory)+types.AddressSize+1+types.HashSize+4)
	key = append(key, prefixHistory...)
	key = append(key, addr[:]...)
	key = append(key, byte(kind))
	key = append(key, point.TxID[:]...)
	key = binary.BigEndian.AppendUint32(key, point.Index)
	return key
}

func historyValue(height, value uint64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], value)
	return buf[:]
}

func decodeRow(key, value []byte) (Row, error) {
	offset := len(prefixHistory) + types.AddressSize
	if len(key) != offset+1+types.HashSize+4 {
		return Row{}, fmt.Errorf("corrupt history key: %d bytes", len(key))
	}
	if len(value) != 16 {
		return Row{}, fmt.Errorf("corrupt history value: %d bytes", len(value))
	}
	var row Row
	row.Kind = RowKind(key[offset])
	copy(row.Point.TxID[:], key[offset+1:offset+1+types.HashSize])
	row.Point.Index = binary.BigEndian.Uint32(key[offset+1+types.HashSize:])
	row.Height = binary.BigEndian.Uint64(value[:8])
	row.Value = binary.BigEndian.Uint64(value[8:])
	return row, nil
}
