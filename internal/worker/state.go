package worker

import "sync/atomic"

// State is the lifecycle position of a worker.
type State int32

// Worker states. Failed and Terminated are absorbing.
const (
	Idle State = iota
	Fetching
	Extracting
	Publishing
	Failed
	Terminated
)

var stateNames = [...]string{
	Idle:       "idle",
	Fetching:   "fetching",
	Extracting: "extracting",
	Publishing: "publishing",
	Failed:     "failed",
	Terminated: "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Dead reports whether the worker has stopped for good.
func (s State) Dead() bool {
	return s == Failed || s == Terminated
}

// ParseState maps a state name back to a State.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return Idle, false
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

// store refuses to leave an absorbing state.
func (c *stateCell) store(s State) bool {
	for {
		cur := c.v.Load()
		if State(cur).Dead() {
			return false
		}
		if c.v.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}
