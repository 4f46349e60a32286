package speech

import "fmt"

// State is the lifecycle position of one playback session.
//
//	Idle → Requesting → Receiving ⇄ Decoding → Playing → Completed
//
// Any state may move to Errored. Completed and Errored are terminal. A stream
// that ends before any audio goes straight from Receiving to Completed.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateReceiving
	StateDecoding
	StatePlaying
	StateCompleted
	StateErrored
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateRequesting: "requesting",
	StateReceiving:  "receiving",
	StateDecoding:   "decoding",
	StatePlaying:    "playing",
	StateCompleted:  "completed",
	StateErrored:    "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// validTransitions lists the allowed successor states. Errored is reachable
// from every non-terminal state and is handled separately.
var validTransitions = map[State][]State{
	StateIdle:       {StateRequesting},
	StateRequesting: {StateReceiving},
	StateReceiving:  {StateDecoding, StatePlaying, StateCompleted},
	StateDecoding:   {StatePlaying, StateReceiving},
	StatePlaying:    {StateReceiving, StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateErrored {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
