package config

// Protocol limits. These must match across all nodes.
const (
	MaxTxInputs   = 2500   // Max inputs per transaction
	MaxTxOutputs  = 2500   // Max outputs per transaction
	MaxScriptData = 65_536 // 64 KB max script data per output

	// MaxGossipMessage caps a GossipSub message. Larger than any valid
	// transaction plus encoding overhead.
	MaxGossipMessage = 1_048_576
)
