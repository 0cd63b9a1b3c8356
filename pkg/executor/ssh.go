package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/devterm/pkg/lg"
)

const DefaultTimeout = 15 * time.Second

var _ Executor = (*SSHExecutor)(nil)

// SSHExecutor runs commands over one connection, one exec channel at a time.
type SSHExecutor struct {
	conn           Conn
	DefaultTimeout time.Duration
	logger         lg.Logger

	mu sync.Mutex
}

func NewSSHExecutor(conn Conn, logger lg.Logger) *SSHExecutor {
	return &SSHExecutor{conn: conn, DefaultTimeout: DefaultTimeout, logger: lg.OrDiscard(logger)}
}

// Execute opens an exec channel, runs command and collects stdout, stderr and the
// exit code. A non-zero exit code is not an error. If the command does not finish
// within timeout (DefaultTimeout when zero) the channel is closed and ErrTimeout
// is returned. The channel is closed on every path.
func (e *SSHExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	ch, err := e.conn.NewChannel()
	if err != nil {
		return Result{}, &CommandError{Command: command, Err: fmt.Errorf("open channel: %w", err)}
	}
	defer ch.Close()

	stdout, err := ch.StdoutPipe()
	if err != nil {
		return Result{}, &CommandError{Command: command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		return Result{}, &CommandError{Command: command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := ch.Start(command); err != nil {
		return Result{}, &CommandError{Command: command, Err: fmt.Errorf("start: %w", err)}
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, &outBuf, stdout)
	go drain(&wg, &errBuf, stderr)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- ch.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
		code, err := exitCode(waitErr)
		if err != nil {
			return res, &CommandError{Command: command, Err: err}
		}
		res.ExitCode = code
		e.logger.Debug("command finished",
			lg.Int("exit", code), lg.Duration("elapsed", time.Since(start)))
		return res, nil
	case <-timer.C:
		_ = ch.Close()
		e.logger.Warn("command timed out", lg.Duration("timeout", timeout))
		return Result{}, &CommandError{Command: command, Err: ErrTimeout}
	case <-ctx.Done():
		_ = ch.Close()
		return Result{}, &CommandError{Command: command, Err: ctx.Err()}
	}
}

// Close releases the underlying connection.
func (e *SSHExecutor) Close() error {
	return e.conn.Close()
}

func drain(wg *sync.WaitGroup, dst *bytes.Buffer, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}

// exitCode maps the error returned by Wait to an exit status.
func exitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(waitErr, &missing) {
		return 0, nil
	}
	return 0, waitErr
}
