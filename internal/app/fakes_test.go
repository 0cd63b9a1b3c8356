package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/ghapi"
	"github.com/andrej220/devterm/pkg/models"
	"github.com/andrej220/devterm/pkg/provision"
	"github.com/andrej220/devterm/pkg/session"
)

// remoteHost answers the provisioning commands like a host that already has
// a key pair and reaches the git host.
type remoteHost struct {
	failOn string
}

func (h *remoteHost) Execute(_ context.Context, command string, _ time.Duration) (executor.Result, error) {
	switch {
	case h.failOn != "" && strings.Contains(command, h.failOn):
		return executor.Result{ExitCode: 1, Stderr: "boom"}, nil
	case strings.HasPrefix(command, "test -f"):
		return executor.Result{Stdout: "EXISTS\n"}, nil
	case strings.HasPrefix(command, "cat "):
		return executor.Result{Stdout: "ssh-ed25519 AAAA ada@example.com\n"}, nil
	case strings.HasPrefix(command, "ssh -T"):
		return executor.Result{Stdout: "Hi ada! You've successfully authenticated"}, nil
	}
	return executor.Result{}, nil
}

func (h *remoteHost) Close() error { return nil }

type hostConnector struct {
	host *remoteHost
	err  error
}

func (c hostConnector) Connect(context.Context, string) (provision.Commander, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.host, nil
}

type keyRegistrar struct{}

func (keyRegistrar) RegisterKey(context.Context, string, string, string) (ghapi.Registration, error) {
	return ghapi.Registration{ID: 7}, nil
}

type tokenChecker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *tokenChecker) CheckIdentity(context.Context, string) (ghapi.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return ghapi.Identity{}, c.err
	}
	return ghapi.Identity{Login: "ada"}, nil
}

func (c *tokenChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// eventLog records published events and signals every final one.
type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	final  chan models.ProgressEvent
}

func newEventLog() *eventLog {
	return &eventLog{final: make(chan models.ProgressEvent, 16)}
}

func (l *eventLog) Publish(_ context.Context, ev models.ProgressEvent) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if ev.Final() {
		l.final <- ev
	}
	return nil
}

func (l *eventLog) Close() error { return nil }

func (l *eventLog) all() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ProgressEvent(nil), l.events...)
}

// echoTerm is a terminal that prints back whatever is typed.
type echoTerm struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu   sync.Mutex
	size [2]int
}

func newEchoTerm() *echoTerm {
	r, w := io.Pipe()
	return &echoTerm{r: r, w: w}
}

func (t *echoTerm) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *echoTerm) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *echoTerm) Resize(cols, rows int) error {
	t.mu.Lock()
	t.size = [2]int{cols, rows}
	t.mu.Unlock()
	return nil
}

func (t *echoTerm) lastSize() [2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *echoTerm) Close() error {
	t.w.Close()
	return t.r.Close()
}

func (t *echoTerm) Wait() *int {
	code := 0
	return &code
}

type echoBackend struct {
	mu    sync.Mutex
	terms []*echoTerm
}

func (b *echoBackend) Open(_ context.Context, target string, cols, rows int) (session.Terminal, error) {
	if target == "unreachable" {
		return nil, errors.New("dial failed")
	}
	t := newEchoTerm()
	t.size = [2]int{cols, rows}
	b.mu.Lock()
	b.terms = append(b.terms, t)
	b.mu.Unlock()
	return t, nil
}

func (b *echoBackend) last() *echoTerm {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terms[len(b.terms)-1]
}
