package p2p

import (
	"sync"

	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Channel is the session's view of a single peer. Transactions the peer
// announces are delivered, in arrival order, to every registered
// subscriber.
type Channel struct {
	session *Session
	peerID  peer.ID

	mu     sync.RWMutex
	txSubs []func(*tx.Transaction)
}

func newChannel(s *Session, id peer.ID) *Channel {
	return &Channel{session: s, peerID: id}
}

// PeerID returns the remote peer this channel belongs to.
func (c *Channel) PeerID() peer.ID {
	return c.peerID
}

// SubscribeTransactions registers fn to be called for every transaction
// received on this channel from now on. Multiple subscribers each see
// every transaction, in the order it arrived.
func (c *Channel) SubscribeTransactions(fn func(*tx.Transaction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txSubs = append(c.txSubs, fn)
}

// deliver fans a transaction out to the channel's subscribers. Called on
// the session's dispatch pool.
func (c *Channel) deliver(t *tx.Transaction) {
	c.mu.RLock()
	subs := make([]func(*tx.Transaction), len(c.txSubs))
	copy(subs, c.txSubs)
	c.mu.RUnlock()

	for _, fn := range subs {
		fn(t)
	}
}
