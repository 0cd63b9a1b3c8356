//go:build !windows

package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// LocalBackend spawns the user's shell on a local pseudo terminal. The target
// passed to Open is ignored.
type LocalBackend struct {
	Shell string
	Dir   string
	Env   []string
}

func (b *LocalBackend) Open(_ context.Context, _ string, cols, rows int) (Terminal, error) {
	shell := b.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Dir = b.Dir
	cmd.Env = append(append(os.Environ(), b.Env...), "TERM="+TermType)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return &localTerminal{file: f, cmd: cmd}, nil
}

type localTerminal struct {
	file *os.File
	cmd  *exec.Cmd
}

func (t *localTerminal) Read(b []byte) (int, error)  { return t.file.Read(b) }
func (t *localTerminal) Write(b []byte) (int, error) { return t.file.Write(b) }

func (t *localTerminal) Resize(cols, rows int) error {
	return pty.Setsize(t.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close hangs up the shell and releases the pty.
func (t *localTerminal) Close() error {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGHUP)
	}
	return t.file.Close()
}

func (t *localTerminal) Wait() *int {
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil
	}
	code := t.cmd.ProcessState.ExitCode()
	return &code
}
