package models

import "fmt"

// Status is the finality state of a vertex.
//
//	Pending -> Accepted -> Final
//	Pending -> Rejected
//	Accepted -> Rejected
//
// Final and Rejected are terminal.
type Status uint8

const (
	Pending Status = iota
	Accepted
	Rejected
	Final
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Final || s == Rejected
}

// CanTransition reports whether moving from s to next is a legal step.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case Pending:
		return next == Accepted || next == Rejected
	case Accepted:
		return next == Final || next == Rejected
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "accepted":
		*s = Accepted
	case "rejected":
		*s = Rejected
	case "final":
		*s = Final
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}
