package indexer

import (
	"testing"

	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/pkg/crypto"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	pool := exec.NewPool("memory", 1)
	t.Cleanup(func() {
		pool.Stop()
		pool.Join()
	})
	return New(pool)
}

func p2pkhScript(addr types.Address) types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]}
}

func buildTx(t *testing.T, key *crypto.PrivateKey, prevOut types.Outpoint, payee types.Address, value uint64) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(value, p2pkhScript(payee))
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return b.Build()
}

func indexWait(t *testing.T, ix *Indexer, txn *tx.Transaction) {
	t.Helper()
	done := make(chan error, 1)
	ix.Index(txn, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Index() error: %v", err)
	}
}

func deindexWait(t *testing.T, ix *Indexer, txn *tx.Transaction) {
	t.Helper()
	done := make(chan error, 1)
	ix.Deindex(txn, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Deindex() error: %v", err)
	}
}

func TestIndexer_IndexAndQuery(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	spender := crypto.AddressFromPubKey(key.PublicKey())
	payee := types.Address{0x01}
	prevOut := types.Outpoint{TxID: crypto.Hash([]byte("prev")), Index: 2}

	txn := buildTx(t, key, prevOut, payee, 750)
	indexWait(t, ix, txn)

	outputs, spends := ix.Query(payee)
	if len(outputs) != 1 {
		t.Fatalf("payee outputs = %d, want 1", len(outputs))
	}
	if outputs[0].Value != 750 {
		t.Errorf("output value = %d, want 750", outputs[0].Value)
	}
	if outputs[0].Point.TxID != txn.Hash() {
		t.Errorf("output point txid = %s, want %s", outputs[0].Point.TxID, txn.Hash())
	}
	if len(spends) != 0 {
		t.Errorf("payee spends = %d, want 0", len(spends))
	}

	outputs, spends = ix.Query(spender)
	if len(outputs) != 0 {
		t.Errorf("spender outputs = %d, want 0", len(outputs))
	}
	if len(spends) != 1 {
		t.Fatalf("spender spends = %d, want 1", len(spends))
	}
	if spends[0].PrevOut != prevOut {
		t.Errorf("spend prevout = %s, want %s", spends[0].PrevOut, prevOut)
	}
}

func TestIndexer_Deindex(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	spender := crypto.AddressFromPubKey(key.PublicKey())
	payee := types.Address{0x02}
	txn := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("p")), Index: 0}, payee, 100)

	indexWait(t, ix, txn)
	deindexWait(t, ix, txn)

	if outputs, _ := ix.Query(payee); len(outputs) != 0 {
		t.Errorf("outputs remain after deindex: %v", outputs)
	}
	if _, spends := ix.Query(spender); len(spends) != 0 {
		t.Errorf("spends remain after deindex: %v", spends)
	}
}

func TestIndexer_IndexIdempotent(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	payee := types.Address{0x03}
	txn := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("p")), Index: 0}, payee, 100)

	indexWait(t, ix, txn)
	indexWait(t, ix, txn)

	outputs, _ := ix.Query(payee)
	if len(outputs) != 1 {
		t.Errorf("double index produced %d entries, want 1", len(outputs))
	}
}

func TestIndexer_DeindexMissingIsNoop(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	txn := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("p")), Index: 0}, types.Address{0x04}, 100)

	// Never indexed; must not panic or error.
	deindexWait(t, ix, txn)
	deindexWait(t, ix, txn)
}

func TestIndexer_SkipsCoinbaseInput(t *testing.T) {
	ix := newTestIndexer(t)

	payee := types.Address{0x05}
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: []byte{0, 0, 0, 1}}},
		Outputs: []tx.Output{{Value: 50, Script: p2pkhScript(payee)}},
	}

	indexWait(t, ix, coinbase)

	outputs, _ := ix.Query(payee)
	if len(outputs) != 1 {
		t.Errorf("coinbase output not indexed: %v", outputs)
	}
}

func TestIndexer_SkipsNonP2PKHOutputs(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	b := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: crypto.Hash([]byte("p")), Index: 0}).
		AddOutput(100, types.Script{Type: types.ScriptTypeP2SH, Data: make([]byte, 32)})
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	indexWait(t, ix, b.Build())

	// No address is derivable from the script hash, so nothing indexed.
	var empty types.Address
	outputs, _ := ix.Query(empty)
	if len(outputs) != 0 {
		t.Errorf("non-P2PKH output should not be indexed: %v", outputs)
	}
}

func TestIndexer_AfterPoolStop(t *testing.T) {
	pool := exec.NewPool("memory", 1)
	ix := New(pool)
	pool.Stop()
	pool.Join()

	key, _ := crypto.GenerateKey()
	txn := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("p")), Index: 0}, types.Address{0x06}, 100)

	done := make(chan error, 1)
	ix.Index(txn, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Error("Index() after pool stop should report an error")
	}
}

func TestIndexer_MultipleTxSameAddress(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	payee := types.Address{0x07}
	tx1 := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("a")), Index: 0}, payee, 100)
	tx2 := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("b")), Index: 0}, payee, 200)

	indexWait(t, ix, tx1)
	indexWait(t, ix, tx2)

	outputs, _ := ix.Query(payee)
	if len(outputs) != 2 {
		t.Fatalf("payee outputs = %d, want 2", len(outputs))
	}

	deindexWait(t, ix, tx1)
	outputs, _ = ix.Query(payee)
	if len(outputs) != 1 || outputs[0].Point.TxID != tx2.Hash() {
		t.Errorf("remaining outputs = %v, want only tx2's", outputs)
	}
}

func TestIndexer_NilHandler(t *testing.T) {
	ix := newTestIndexer(t)

	key, _ := crypto.GenerateKey()
	payee := types.Address{0x09}
	txn := buildTx(t, key, types.Outpoint{TxID: crypto.Hash([]byte("prev")), Index: 0}, payee, 77)

	ix.Index(txn, nil)

	// Single worker: a sentinel queued after the index proves it ran.
	flushed := make(chan struct{})
	if err := ix.pool.Submit(func() { close(flushed) }); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-flushed

	outputs, _ := ix.Query(payee)
	if len(outputs) != 1 {
		t.Fatalf("outputs = %+v, want 1 entry", outputs)
	}

	ix.Deindex(txn, nil)

	flushed = make(chan struct{})
	if err := ix.pool.Submit(func() { close(flushed) }); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-flushed

	outputs, _ = ix.Query(payee)
	if len(outputs) != 0 {
		t.Fatalf("outputs = %+v, want empty after deindex", outputs)
	}
}
