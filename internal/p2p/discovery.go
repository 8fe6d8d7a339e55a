package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// discoveryNotifee handles mDNS peer discovery notifications.
type discoveryNotifee struct {
	session *Session
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.session.host.ID() {
		return // Ignore self.
	}

	ctx, cancel := context.WithTimeout(d.session.ctx, 5*time.Second)
	defer cancel()

	if err := d.session.host.Connect(ctx, pi); err == nil {
		d.session.addPeer(pi.ID)
	}
}
