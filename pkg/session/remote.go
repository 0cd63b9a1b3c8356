package session

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/devterm/pkg/executor"
)

const TermType = "xterm-256color"

// Connector opens a connection for a profile id.
type Connector interface {
	Connect(ctx context.Context, profileID string) (*executor.Client, error)
}

// RemoteBackend opens login shells over SSH. Each terminal owns its connection.
type RemoteBackend struct {
	Connector Connector
}

func (b *RemoteBackend) Open(ctx context.Context, profileID string, cols, rows int) (Terminal, error) {
	client, err := b.Connector.Connect(ctx, profileID)
	if err != nil {
		return nil, err
	}
	term, err := startShell(client, cols, rows)
	if err != nil {
		client.Close()
		return nil, err
	}
	return term, nil
}

func startShell(client *executor.Client, cols, rows int) (*remoteTerminal, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(TermType, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &remoteTerminal{client: client, sess: sess, stdin: stdin, stdout: stdout}, nil
}

type remoteTerminal struct {
	client *executor.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (t *remoteTerminal) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *remoteTerminal) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *remoteTerminal) Resize(cols, rows int) error {
	return t.sess.WindowChange(rows, cols)
}

// Close ends the shell channel and the connection beneath it.
func (t *remoteTerminal) Close() error {
	_ = t.sess.Close()
	return t.client.Close()
}

// Wait reports no exit code: the remote status is not surfaced to observers.
func (t *remoteTerminal) Wait() *int { return nil }
