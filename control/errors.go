package control

import (
	"errors"
	"fmt"
)

var ErrQueueFull = errors.New("command queue is full")

// ProtocolError is a command that could not be dispatched, it is reported and otherwise ignored.
type ProtocolError struct {
	Command Name
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Command, e.Reason)
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
