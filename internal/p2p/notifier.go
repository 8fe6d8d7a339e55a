package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface. A connect registers the peer and establishes its channel; a
// final disconnect drops both.
type connNotifier struct {
	session *Session
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.session.host.ID() {
		return // Ignore self-connections.
	}
	cn.session.addPeer(remotePeer)
	cn.session.channelEstablished(remotePeer)
}

// Disconnected is called when a connection is closed. Only removes the
// peer if there are no remaining connections to it.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	// Check if there are other active connections to this peer.
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.session.removePeer(remotePeer)
		cn.session.dropChannel(remotePeer)
	}
}

// Listen is called when the session starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the session stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
