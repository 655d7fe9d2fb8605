package execution

import "fmt"

// State is a step of the execution protocol.
type State int

const (
	Pending State = iota
	VerifiedSession
	Navigated
	FormFilled
	Previewed
	Submitted
	Confirmed // terminal success
	Aborted   // terminal, no order placed
	Uncertain // terminal, placed but not verified; needs reconciliation
)

var stateNames = [...]string{
	Pending:         "PENDING",
	VerifiedSession: "VERIFIED_SESSION",
	Navigated:       "NAVIGATED",
	FormFilled:      "FORM_FILLED",
	Previewed:       "PREVIEWED",
	Submitted:       "SUBMITTED",
	Confirmed:       "CONFIRMED",
	Aborted:         "ABORTED",
	Uncertain:       "UNCERTAIN",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Confirmed || s == Aborted || s == Uncertain
}

// transitions is the complete table of legal moves. Aborting is allowed from
// every pre-submission state and from Submitted only when the surface
// definitively rejected or cancelled the order.
var transitions = map[State][]State{
	Pending:         {VerifiedSession, Aborted},
	VerifiedSession: {Navigated, Aborted},
	Navigated:       {FormFilled, Aborted},
	FormFilled:      {Previewed, Aborted},
	Previewed:       {Submitted, Aborted},
	Submitted:       {Confirmed, Uncertain, Aborted},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
