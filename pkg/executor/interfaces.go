package executor

import (
	"context"
	"io"
	"time"
)

// Executor runs one command on a remote host and collects its output.
// Implementations serialize calls: at most one exec channel is open at a time.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// Result is the outcome of a command that ran to completion. ExitCode is 0 when
// the channel closed without reporting a status.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Channel is the part of *ssh.Session the executor drives.
type Channel interface {
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Conn opens exec channels on an established connection.
type Conn interface {
	NewChannel() (Channel, error)
	Close() error
}
