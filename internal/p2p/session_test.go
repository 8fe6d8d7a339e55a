package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ember-network/ember-chain/pkg/crypto"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/ember-network/ember-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// startTestSession starts a session on a random localhost port with
// discovery disabled.
func startTestSession(t *testing.T) *Session {
	t.Helper()
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})

	done := make(chan error, 1)
	s.Start(func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	t.Cleanup(func() {
		stopped := make(chan error, 1)
		s.Stop(func(err error) { stopped <- err })
		<-stopped
	})
	return s
}

func connectSessions(t *testing.T, a, b *Session) {
	t.Helper()
	info := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, info); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func testTx(t *testing.T, seed string) *tx.Transaction {
	t.Helper()
	key, _ := crypto.GenerateKey()
	addr := types.Address{0x01}
	b := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: crypto.Hash([]byte(seed)), Index: 0}).
		AddOutput(100, types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]})
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return b.Build()
}

func TestSession_New(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if s == nil {
		t.Fatal("New returned nil")
	}
	if s.host != nil {
		t.Error("host should be nil before Start")
	}
	if s.ID() != "" {
		t.Error("ID should be empty before Start")
	}
	if s.Addrs() != nil {
		t.Error("Addrs should be nil before Start")
	}
}

func TestSession_StartStop(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})

	started := make(chan error, 1)
	s.Start(func(err error) { started <- err })
	if err := <-started; err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.ID() == "" {
		t.Error("ID should be set after Start")
	}
	if len(s.Addrs()) == 0 {
		t.Error("Addrs should be non-empty after Start")
	}

	stopped := make(chan error, 1)
	s.Stop(func(err error) { stopped <- err })
	if err := <-stopped; err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

func TestSession_StopTwice(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})

	started := make(chan error, 1)
	s.Start(func(err error) { started <- err })
	if err := <-started; err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Both handlers must fire; the second observes the first teardown.
	first := make(chan error, 1)
	second := make(chan error, 1)
	s.Stop(func(err error) { first <- err })
	if err := <-first; err != nil {
		t.Errorf("first Stop() error: %v", err)
	}
	s.Stop(func(err error) { second <- err })
	if err := <-second; err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestSession_BroadcastBeforeStart(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := s.BroadcastTx(testTx(t, "early")); err == nil {
		t.Error("BroadcastTx() before Start should fail")
	}
}

func TestSession_ChannelEstablishedOnConnect(t *testing.T) {
	a := startTestSession(t)
	b := startTestSession(t)

	channels := make(chan *Channel, 4)
	a.SubscribeChannelEstablished(func(ch *Channel) { channels <- ch })

	connectSessions(t, a, b)

	select {
	case ch := <-channels:
		if ch.PeerID() != b.ID() {
			t.Errorf("channel peer = %s, want %s", ch.PeerID(), b.ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no channel-established event after connect")
	}
}

func TestSession_ChannelEstablishedMultipleSubscribers(t *testing.T) {
	a := startTestSession(t)
	b := startTestSession(t)

	sub1 := make(chan *Channel, 1)
	sub2 := make(chan *Channel, 1)
	a.SubscribeChannelEstablished(func(ch *Channel) { sub1 <- ch })
	a.SubscribeChannelEstablished(func(ch *Channel) { sub2 <- ch })

	connectSessions(t, a, b)

	for i, sub := range []chan *Channel{sub1, sub2} {
		select {
		case <-sub:
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d never saw the channel", i+1)
		}
	}
}

func TestSession_TransactionDelivery(t *testing.T) {
	a := startTestSession(t)
	b := startTestSession(t)

	received := make(chan *tx.Transaction, 16)
	a.SubscribeChannelEstablished(func(ch *Channel) {
		ch.SubscribeTransactions(func(txn *tx.Transaction) { received <- txn })
	})

	connectSessions(t, a, b)

	// Give GossipSub time to form the mesh.
	time.Sleep(2 * time.Second)

	want := testTx(t, "delivery")
	if err := b.BroadcastTx(want); err != nil {
		t.Fatalf("BroadcastTx() error: %v", err)
	}

	select {
	case got := <-received:
		if got.Hash() != want.Hash() {
			t.Errorf("received tx %s, want %s", got.Hash(), want.Hash())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transaction never delivered")
	}
}

func TestSession_EveryBroadcastDelivered(t *testing.T) {
	a := startTestSession(t)
	b := startTestSession(t)

	var mu sync.Mutex
	seen := make(map[types.Hash]bool)
	gotAll := make(chan struct{})

	const n = 5
	a.SubscribeChannelEstablished(func(ch *Channel) {
		ch.SubscribeTransactions(func(txn *tx.Transaction) {
			mu.Lock()
			seen[txn.Hash()] = true
			if len(seen) == n {
				close(gotAll)
			}
			mu.Unlock()
		})
	})

	connectSessions(t, a, b)
	time.Sleep(2 * time.Second)

	sent := make([]*tx.Transaction, 0, n)
	for i := 0; i < n; i++ {
		txn := testTx(t, string(rune('a'+i)))
		sent = append(sent, txn)
		if err := b.BroadcastTx(txn); err != nil {
			t.Fatalf("BroadcastTx() error: %v", err)
		}
	}

	select {
	case <-gotAll:
	case <-time.After(15 * time.Second):
		mu.Lock()
		t.Fatalf("only %d of %d transactions delivered", len(seen), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, txn := range sent {
		if !seen[txn.Hash()] {
			t.Errorf("transaction %s never delivered", txn.Hash())
		}
	}
}

func TestChannel_DeliverInOrder(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	ch := newChannel(s, "test-peer")

	var got []types.Hash
	ch.SubscribeTransactions(func(txn *tx.Transaction) {
		got = append(got, txn.Hash())
	})

	var want []types.Hash
	for i := 0; i < 10; i++ {
		txn := testTx(t, string(rune('A'+i)))
		want = append(want, txn.Hash())
		ch.deliver(txn)
	}

	if len(got) != len(want) {
		t.Fatalf("delivered %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d out of order", i)
		}
	}
}

func TestChannel_SubscriberSeesOnlyLaterTransactions(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	ch := newChannel(s, "test-peer")

	early := testTx(t, "early")
	ch.deliver(early)

	var got []types.Hash
	ch.SubscribeTransactions(func(txn *tx.Transaction) {
		got = append(got, txn.Hash())
	})

	late := testTx(t, "late")
	ch.deliver(late)

	if len(got) != 1 || got[0] != late.Hash() {
		t.Errorf("late subscriber saw %v, want only %s", got, late.Hash())
	}
}

func TestSession_PeerTracking(t *testing.T) {
	a := startTestSession(t)
	b := startTestSession(t)

	connectSessions(t, a, b)
	time.Sleep(200 * time.Millisecond)

	if a.PeerCount() < 1 {
		t.Errorf("session A peer count = %d, want >= 1", a.PeerCount())
	}
	found := false
	for _, p := range a.PeerList() {
		if p.ID == b.ID() {
			found = true
		}
	}
	if !found {
		t.Error("session A does not list session B as a peer")
	}

	if err := a.DisconnectPeer(b.ID()); err != nil {
		t.Fatalf("DisconnectPeer() error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	for _, p := range a.PeerList() {
		if p.ID == b.ID() {
			t.Error("disconnected peer still listed")
		}
	}
}
