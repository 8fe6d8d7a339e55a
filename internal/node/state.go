package node

import "sync/atomic"

// State tracks the node lifecycle. Transitions are monotonic: a node
// that has stopped cannot be restarted.
type State int32

const (
	StateConstructed State = iota
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stateVar is an atomic lifecycle state holder.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) get() State {
	return State(s.v.Load())
}

func (s *stateVar) set(next State) {
	s.v.Store(int32(next))
}

// advance moves from to next, failing if the state changed underneath.
func (s *stateVar) advance(from, next State) bool {
	return s.v.CompareAndSwap(int32(from), int32(next))
}
