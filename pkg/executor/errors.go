package executor

import (
	"errors"
	"fmt"
)

// ErrTimeout is reported when a command does not finish within its timeout.
var ErrTimeout = errors.New("command timed out")

// ConnectionError is an authentication or network failure while establishing a
// connection.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is a command that could not be run to completion: the channel
// could not be opened, the transport failed, or the timeout expired.
type CommandError struct {
	Command string
	Err     error
}

const maxCommandLabel = 50

func (e *CommandError) Error() string {
	label := e.Command
	if len(label) > maxCommandLabel {
		label = label[:maxCommandLabel] + "..."
	}
	return fmt.Sprintf("%v: %s", e.Err, label)
}

func (e *CommandError) Unwrap() error { return e.Err }
