package videoupload

import "fmt"

// State is a stage of an upload session.
type State int

const (
	StateHashing State = iota
	StateNegotiating
	StateTransferring
	StateMerging
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHashing:
		return "hashing"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateMerging:
		return "merging"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

var transitions = map[State][]State{
	StateHashing:      {StateNegotiating},
	StateNegotiating:  {StateTransferring, StateComplete},
	StateTransferring: {StateMerging},
	StateMerging:      {StateComplete},
}

// CanTransition reports whether a session may move from one state to another.
// Every non-terminal state may move to StateFailed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the state of a single upload attempt. A session is owned by the goroutine
// running the upload; a new attempt always starts a new session.
type Session struct {
	FileName    string
	Fingerprint string
	ChunkTotal  int
	// Stored lists the chunk indices the store reported during negotiation.
	Stored []int
	// Uploaded lists the chunk indices acknowledged during this session.
	Uploaded []int

	state         State
	onStateChange func(from, to State)
}

func newSession(fileName string, onStateChange func(from, to State)) *Session {
	return &Session{
		FileName:      fileName,
		state:         StateHashing,
		onStateChange: onStateChange,
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

func (s *Session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("illegal session transition: %s -> %s", s.state, to)
	}

	from := s.state
	s.state = to
	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
	return nil
}
