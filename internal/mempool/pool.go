// Package mempool manages pending transactions waiting for confirmation.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/log"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
)

// recentLimit caps how many confirmed transactions keep their confirm
// handler around, so a replayed confirmation can still notify.
const recentLimit = 1024

// StoreResult reports the outcome of a Store call. Err is nil when the
// transaction was accepted; Unconfirmed then lists the indexes of inputs
// whose previous output is itself still unconfirmed.
type StoreResult struct {
	Unconfirmed []uint32
	Err         error
}

// Accepted reports whether the transaction entered the pool.
func (r StoreResult) Accepted() bool {
	return r.Err == nil
}

// entry wraps a pooled transaction with its confirm continuation.
type entry struct {
	tx        *tx.Transaction
	onConfirm func(error)
}

// Pool holds unconfirmed transactions. Mutations run on a single-worker
// exec pool, so stores and confirmations for the pool are serialized.
type Pool struct {
	pool    *exec.Pool
	policy  *Policy
	maxSize int

	mu     sync.RWMutex
	txs    map[types.Hash]*entry
	spends map[types.Outpoint]types.Hash // outpoint -> spending txHash

	// Confirmed handlers retained so a duplicate confirmation still
	// reaches the subscriber.
	recent      map[types.Hash]func(error)
	recentOrder []types.Hash
}

// New creates a mempool whose mutations run on pool.
func New(pool *exec.Pool, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		pool:    pool,
		policy:  DefaultPolicy(),
		maxSize: maxSize,
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		recent:  make(map[types.Hash]func(error)),
	}
}

// Start readies the pool. All state is built by New, so this is
// synchronous and idempotent; it exists so the lifecycle controller can
// bring subsystems up in a fixed order between chain storage and the
// peer session.
func (p *Pool) Start() {
	log.Mempool.Info().Int("max_size", p.maxSize).Msg("Mempool ready")
}

// Store validates and pools a transaction. onResult fires once with the
// acceptance outcome. onConfirm is retained on acceptance and fires when
// the transaction is later confirmed. Both callbacks run on the pool
// worker; if the pool has stopped, onResult fires immediately with the
// submit error and onConfirm is never invoked.
func (p *Pool) Store(transaction *tx.Transaction, onConfirm func(error), onResult func(StoreResult)) {
	err := p.pool.Submit(func() {
		onResult(p.store(transaction, onConfirm))
	})
	if err != nil {
		log.Mempool.Debug().
			Str("tx", transaction.Hash().String()).
			Msg("Store dropped, pool shutting down")
		onResult(StoreResult{Err: err})
	}
}

func (p *Pool) store(transaction *tx.Transaction, onConfirm func(error)) StoreResult {
	if err := transaction.Validate(); err != nil {
		return StoreResult{Err: fmt.Errorf("%w: %v", ErrValidation, err)}
	}
	if err := p.policy.Check(transaction); err != nil {
		return StoreResult{Err: fmt.Errorf("%w: %v", ErrValidation, err)}
	}
	if err := transaction.VerifySignatures(); err != nil {
		return StoreResult{Err: fmt.Errorf("%w: %v", ErrValidation, err)}
	}

	txHash := transaction.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.txs[txHash]; exists {
		return StoreResult{Err: ErrAlreadyExists}
	}
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return StoreResult{Err: fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)}
		}
	}
	if len(p.txs) >= p.maxSize {
		return StoreResult{Err: ErrPoolFull}
	}

	// Inputs whose funding transaction is itself still in the pool.
	var unconfirmed []uint32
	for i, in := range transaction.Inputs {
		if _, pending := p.txs[in.PrevOut.TxID]; pending {
			unconfirmed = append(unconfirmed, uint32(i))
		}
	}

	p.txs[txHash] = &entry{tx: transaction, onConfirm: onConfirm}
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return StoreResult{Unconfirmed: unconfirmed}
}

// Confirm marks a transaction as confirmed, evicting it from the pool
// and firing its confirm handler with nil. Confirming a transaction that
// was already confirmed re-fires the retained handler; confirming one
// the pool never saw is a no-op. Runs on the pool worker.
func (p *Pool) Confirm(transaction *tx.Transaction) {
	err := p.pool.Submit(func() {
		p.confirm(transaction)
	})
	if err != nil {
		log.Mempool.Debug().
			Str("tx", transaction.Hash().String()).
			Msg("Confirmation dropped, pool shutting down")
	}
}

func (p *Pool) confirm(transaction *tx.Transaction) {
	txHash := transaction.Hash()

	p.mu.Lock()
	e, exists := p.txs[txHash]
	var onConfirm func(error)
	if exists {
		onConfirm = e.onConfirm
		delete(p.txs, txHash)
		for _, in := range e.tx.Inputs {
			if !in.PrevOut.IsZero() && p.spends[in.PrevOut] == txHash {
				delete(p.spends, in.PrevOut)
			}
		}
		p.retain(txHash, onConfirm)
	} else if retained, ok := p.recent[txHash]; ok {
		onConfirm = retained
	}
	p.mu.Unlock()

	if onConfirm == nil {
		log.Mempool.Debug().
			Str("tx", txHash.String()).
			Msg("Confirmation for unknown transaction ignored")
		return
	}
	onConfirm(nil)
}

// retain remembers a confirm handler, evicting the oldest beyond the cap.
// Caller holds mu.
func (p *Pool) retain(txHash types.Hash, onConfirm func(error)) {
	if onConfirm == nil {
		return
	}
	if _, ok := p.recent[txHash]; !ok {
		p.recentOrder = append(p.recentOrder, txHash)
	}
	p.recent[txHash] = onConfirm
	for len(p.recentOrder) > recentLimit {
		oldest := p.recentOrder[0]
		p.recentOrder = p.recentOrder[1:]
		delete(p.recent, oldest)
	}
}

// Has checks if a transaction is pending.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get returns a pending transaction by hash, or nil.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, exists := p.txs[txHash]; exists {
		return e.tx
	}
	return nil
}

// Count returns the number of pending transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all pending transactions.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}
