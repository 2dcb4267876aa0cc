package order

import "fmt"

type Status string

const (
	Pending   Status = "pending"
	Routing   Status = "routing"
	Building  Status = "building"
	Submitted Status = "submitted"
	Confirmed Status = "confirmed"
	Failed    Status = "failed"
)

// lifecycle is the only forward path; Failed hangs off every non-terminal step.
var lifecycle = []Status{Pending, Routing, Building, Submitted, Confirmed}

func (s Status) Valid() bool {
	return s == Failed || s.stage() >= 0
}

func (s Status) stage() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

func IsTerminal(s Status) bool {
	return s == Confirmed || s == Failed
}

// CanTransition reports whether from -> to is a legal edge. A non-terminal status
// may repeat itself to attach extra data (routing carries quotes that way).
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || IsTerminal(from) {
		return false
	}
	if to == Failed || to == from {
		return true
	}
	return to.stage() == from.stage()+1
}

func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Rearm validates restarting an attempt from Pending after a redelivery.
// Failed orders and orders abandoned mid-flight may be rearmed; Confirmed may not.
func Rearm(from Status) error {
	if from == Confirmed || !from.Valid() {
		return fmt.Errorf("%w: cannot rearm from %s", ErrInvalidTransition, from)
	}
	return nil
}

// Before reports whether a precedes b within a single attempt.
func Before(a, b Status) bool {
	if a == b || a == Failed {
		return false
	}
	if b == Failed {
		return true
	}
	return a.stage() < b.stage()
}
