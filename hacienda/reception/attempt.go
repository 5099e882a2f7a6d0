package reception

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// State is the stage an issuance attempt has reached.
type State string

const (
	Building      State = "building"
	Signed        State = "signed"
	Authenticated State = "authenticated"
	Submitted     State = "submitted"
	Accepted      State = "accepted"
	Rejected      State = "rejected"
	Pending       State = "pending"
)

var transitions = map[State][]State{
	Building:      {Signed},
	Signed:        {Authenticated},
	Authenticated: {Submitted},
	Submitted:     {Accepted, Rejected, Pending},
	Pending:       {Accepted, Rejected},
}

func (s State) Final() bool {
	return s == Accepted || s == Rejected
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, n := range transitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From, To State
	At       time.Time
}

// Attempt tracks one document key through the reception protocol.
type Attempt struct {
	Key string

	mu      sync.Mutex
	state   State
	history []Transition
	now     func() time.Time
}

func NewAttempt(key string) *Attempt {
	return &Attempt{Key: key, state: Building, now: time.Now}
}

// ResumeAttempt rebuilds an attempt already known to be in state, e.g. a pending record being
// reconciled.
func ResumeAttempt(key string, state State) *Attempt {
	return &Attempt{Key: key, state: state, now: time.Now}
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Advance moves the attempt to next. Re-entering the current state of a pending attempt is a no-op, any
// other illegal move is an error and leaves the state unchanged.
func (a *Attempt) Advance(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == next && next == Pending {
		return nil
	}
	if !a.state.CanTransition(next) {
		return errors.Errorf("attempt %s: illegal transition %s -> %s", a.Key, a.state, next)
	}
	a.history = append(a.history, Transition{From: a.state, To: next, At: a.now()})
	a.state = next
	return nil
}

func (a *Attempt) History() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Transition, len(a.history))
	copy(out, a.history)
	return out
}
