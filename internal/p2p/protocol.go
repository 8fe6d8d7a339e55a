package p2p

// GossipSub topic names.
const (
	// TopicTransactions carries transaction announcements for the
	// Ember network.
	TopicTransactions = "/ember/tx/1.0.0"
)
