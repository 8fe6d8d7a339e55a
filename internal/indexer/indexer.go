// Package indexer maintains an in-memory index of unconfirmed
// transactions by address. It answers the question "which pending
// outputs and spends touch this address" for payments that have not
// yet been confirmed. Confirmed history lives in the chain store.
package indexer

import (
	"sync"

	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/log"
	"github.com/ember-network/ember-chain/pkg/crypto"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
)

// OutputEntry is a pending payment to an address.
type OutputEntry struct {
	Point types.Outpoint
	Value uint64
}

// SpendEntry is a pending spend by an address. PrevOut identifies the
// output being consumed.
type SpendEntry struct {
	Point   types.Outpoint
	PrevOut types.Outpoint
}

// Indexer tracks unconfirmed transaction outputs and spends per address.
// Mutations run on the provided pool; queries are synchronous. Indexing
// is idempotent: re-indexing a transaction or deindexing one that was
// never indexed is a no-op.
type Indexer struct {
	pool *exec.Pool

	mu      sync.Mutex
	outputs map[types.Address][]OutputEntry
	spends  map[types.Address][]SpendEntry
}

// New creates an indexer whose mutations run on pool.
func New(pool *exec.Pool) *Indexer {
	return &Indexer{
		pool:    pool,
		outputs: make(map[types.Address][]OutputEntry),
		spends:  make(map[types.Address][]SpendEntry),
	}
}

// Index records the transaction's outputs and spends under the addresses
// they touch. onDone may be nil; otherwise it receives exec.ErrStopped
// if the pool has shut down.
func (ix *Indexer) Index(t *tx.Transaction, onDone func(error)) {
	if onDone == nil {
		onDone = func(error) {}
	}
	err := ix.pool.Submit(func() {
		ix.index(t)
		onDone(nil)
	})
	if err != nil {
		onDone(err)
	}
}

// Deindex removes the transaction's entries. Entries that are already
// gone are skipped. onDone may be nil.
func (ix *Indexer) Deindex(t *tx.Transaction, onDone func(error)) {
	if onDone == nil {
		onDone = func(error) {}
	}
	err := ix.pool.Submit(func() {
		ix.deindex(t)
		onDone(nil)
	})
	if err != nil {
		onDone(err)
	}
}

// Query returns the pending outputs and spends touching addr. The
// returned slices are copies.
func (ix *Indexer) Query(addr types.Address) ([]OutputEntry, []SpendEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	outputs := make([]OutputEntry, len(ix.outputs[addr]))
	copy(outputs, ix.outputs[addr])
	spends := make([]SpendEntry, len(ix.spends[addr]))
	copy(spends, ix.spends[addr])
	return outputs, spends
}

func (ix *Indexer) index(t *tx.Transaction) {
	txid := t.Hash()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, out := range t.Outputs {
		addr, ok := out.Script.PayeeAddress()
		if !ok {
			continue
		}
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		if hasOutput(ix.outputs[addr], point) {
			log.Indexer.Debug().
				Str("point", point.String()).
				Msg("Output already indexed, skipping")
			continue
		}
		ix.outputs[addr] = append(ix.outputs[addr], OutputEntry{Point: point, Value: out.Value})
	}

	for i, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		addr := crypto.AddressFromPubKey(in.PubKey)
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		if hasSpend(ix.spends[addr], point) {
			log.Indexer.Debug().
				Str("point", point.String()).
				Msg("Spend already indexed, skipping")
			continue
		}
		ix.spends[addr] = append(ix.spends[addr], SpendEntry{Point: point, PrevOut: in.PrevOut})
	}
}

func (ix *Indexer) deindex(t *tx.Transaction) {
	txid := t.Hash()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, out := range t.Outputs {
		addr, ok := out.Script.PayeeAddress()
		if !ok {
			continue
		}
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		kept := removeOutput(ix.outputs[addr], point)
		if len(kept) == 0 {
			delete(ix.outputs, addr)
		} else {
			ix.outputs[addr] = kept
		}
	}

	for i, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		addr := crypto.AddressFromPubKey(in.PubKey)
		point := types.Outpoint{TxID: txid, Index: uint32(i)}
		kept := removeSpend(ix.spends[addr], point)
		if len(kept) == 0 {
			delete(ix.spends, addr)
		} else {
			ix.spends[addr] = kept
		}
	}
}

func hasOutput(entries []OutputEntry, point types.Outpoint) bool {
	for _, e := range entries {
		if e.Point == point {
			return true
		}
	}
	return false
}

func hasSpend(entries []SpendEntry, point types.Outpoint) bool {
	for _, e := range entries {
		if e.Point == point {
			return true
		}
	}
	return false
}

func removeOutput(entries []OutputEntry, point types.Outpoint) []OutputEntry {
	for i, e := range entries {
		if e.Point == point {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func removeSpend(entries []SpendEntry, point types.Outpoint) []SpendEntry {
	for i, e := range entries {
		if e.Point == point {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
