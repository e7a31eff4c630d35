package engine

import (
	"errors"
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/message"
)

// Operational conditions. None of them is escalated.
var (
	ErrDecode          = errors.New("engine: decode error")
	ErrNoMatchingStep  = errors.New("engine: no matching step")
	ErrChannelMismatch = errors.New("engine: channel mismatch")
	ErrCancelledByStep = errors.New("engine: cancelled by step")
	ErrDuplicate       = errors.New("engine: duplicate message")
	ErrObsolete        = errors.New("engine: obsolete message")
	ErrInactiveOwner   = errors.New("engine: owner is not an active owned identity")
	ErrUnknownProtocol = errors.New("engine: unknown protocol")
	ErrUnknownKind     = errors.New("engine: unknown message kind")
)

var (
	ErrInstanceNotFound = errors.New("engine: instance not found")
	ErrInstanceTerminal = errors.New("engine: instance already terminal")
	ErrClosed           = errors.New("engine: coordinator closed")
	ErrNotStarted       = errors.New("engine: coordinator not started")
	ErrProtocolExists   = errors.New("engine: protocol already registered")
	ErrInvalidProtocol  = errors.New("engine: invalid protocol definition")
	ErrInvalidLink      = errors.New("engine: invalid instance link")
)

// StepFault is an unexpected failure inside a step or its unit of work. The
// instance keeps its prior state and the message stays pending.
type StepFault struct {
	Key  message.InstanceKey
	Step string
	Err  error
}

func (f *StepFault) Error() string {
	if f.Step == "" {
		return fmt.Sprintf("engine: fault instance=%s: %v", f.Key, f.Err)
	}
	return fmt.Sprintf("engine: fault instance=%s step=%s: %v", f.Key, f.Step, f.Err)
}

func (f *StepFault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err carries a StepFault.
func IsFault(err error) bool {
	var f *StepFault
	return errors.As(err, &f)
}
