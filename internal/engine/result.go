package engine

import (
	"github.com/danmuck/stepwise/internal/protocol/message"
)

// Disposition is what happened to one event.
type Disposition int

const (
	Queued Disposition = iota
	Transitioned
	Cancelled
	Pending
	Discarded
	Rejected
	Faulted
)

func (d Disposition) String() string {
	switch d {
	case Queued:
		return "queued"
	case Transitioned:
		return "transitioned"
	case Cancelled:
		return "cancelled"
	case Pending:
		return "pending"
	case Discarded:
		return "discarded"
	case Rejected:
		return "rejected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Result describes one processed event. Reason classifies every outcome
// other than a plain transition; use errors.Is against the engine sentinels.
type Result struct {
	Disposition Disposition
	Reason      error
	Key         message.InstanceKey
	Message     message.Message
	Step        string
	From        StateID
	To          StateID
	Sent        []message.Outgoing
}
