// Package fsm defines the consultation call phases and their legal transitions.
package fsm

import "fmt"

type Phase string

type Event string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnding     Phase = "ending"
	PhaseEnded      Phase = "ended"
	PhaseFailed     Phase = "failed"
)

const (
	EventStart     Event = "start"
	EventAccepted  Event = "accepted"
	EventStop      Event = "stop"
	EventVendorEnd Event = "vendor_end"
	EventConfirmed Event = "confirmed"
	EventTimeout   Event = "timeout"
	EventFail      Event = "fail"
)

// Terminal reports whether no further transition can leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseFailed
}

// Live reports whether a vendor call may exist for the phase.
func (p Phase) Live() bool {
	return p == PhaseConnecting || p == PhaseActive || p == PhaseEnding
}

func Transition(current Phase, event Event) (Phase, error) {
	switch current {
	case PhaseIdle:
		switch event {
		case EventStart:
			return PhaseConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case PhaseConnecting:
		switch event {
		case EventAccepted:
			return PhaseActive, nil
		case EventStop:
			return PhaseEnding, nil
		case EventFail, EventTimeout:
			return PhaseFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case PhaseActive:
		switch event {
		case EventStop, EventVendorEnd:
			return PhaseEnding, nil
		default:
			return current, invalidTransition(current, event)
		}
	case PhaseEnding:
		switch event {
		case EventConfirmed:
			return PhaseEnded, nil
		case EventFail:
			return PhaseFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case PhaseEnded, PhaseFailed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown phase %q", current)
	}
}

func invalidTransition(phase Phase, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", phase, event)
}
