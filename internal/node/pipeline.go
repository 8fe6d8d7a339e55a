package node

import (
	"errors"

	"github.com/ember-network/ember-chain/internal/exec"
	"github.com/ember-network/ember-chain/internal/mempool"
	"github.com/ember-network/ember-chain/internal/p2p"
	"github.com/ember-network/ember-chain/pkg/tx"
	"github.com/libp2p/go-libp2p/core/peer"
)

// handleChannelEstablished attaches the intake pipeline to a new peer
// channel. Runs on the network pool, as do the deliveries that follow,
// so a subscriber never sees a transaction before its channel.
func (n *Node) handleChannelEstablished(ch *p2p.Channel) {
	n.logger.Debug().
		Str("peer", ch.PeerID().String()).
		Msg("Channel established")

	peerID := ch.PeerID()
	ch.SubscribeTransactions(func(t *tx.Transaction) {
		n.receiveTx(peerID, t)
	})
}

// receiveTx feeds one transaction from a peer channel through the
// mempool. Every failure is recoverable: rejected or undeliverable
// transactions are logged and dropped, never fatal.
func (n *Node) receiveTx(peerID peer.ID, t *tx.Transaction) {
	txHash := t.Hash()

	n.pool.Store(t, func(err error) {
		n.confirmedTx(t, err)
	}, func(res mempool.StoreResult) {
		if !res.Accepted() {
			if errors.Is(res.Err, exec.ErrStopped) {
				return
			}
			n.logger.Debug().
				Err(res.Err).
				Str("tx", txHash.String()).
				Str("peer", peerID.String()).
				Msg("Transaction rejected")
			return
		}

		n.logger.Debug().
			Str("tx", txHash.String()).
			Str("peer", peerID.String()).
			Uints32("unconfirmed_inputs", res.Unconfirmed).
			Msg("Transaction accepted")

		n.index.Index(t, func(err error) {
			if err != nil && !errors.Is(err, exec.ErrStopped) {
				n.logger.Warn().
					Err(err).
					Str("tx", txHash.String()).
					Msg("Indexing failed")
			}
		})

		if err := n.session.BroadcastTx(t); err != nil {
			n.logger.Debug().
				Err(err).
				Str("tx", txHash.String()).
				Msg("Rebroadcast failed")
		}
	})
}

// confirmedTx is the confirm continuation retained by the mempool: the
// transaction has left the pool, so its unconfirmed index entries go too.
func (n *Node) confirmedTx(t *tx.Transaction, err error) {
	txHash := t.Hash()
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("tx", txHash.String()).
			Msg("Confirmation reported error")
		return
	}

	n.index.Deindex(t, func(err error) {
		if err != nil && !errors.Is(err, exec.ErrStopped) {
			n.logger.Warn().
				Err(err).
				Str("tx", txHash.String()).
				Msg("Deindexing failed")
		}
	})

	n.logger.Debug().
		Str("tx", txHash.String()).
		Msg("Transaction confirmed")
}
