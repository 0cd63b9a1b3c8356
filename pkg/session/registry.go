// Package session multiplexes interactive shells under opaque ids. A Registry
// owns the sessions of one backend kind; a Router dispatches by id across
// registries.
package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/devterm/pkg/lg"
)

var ErrCapacityExceeded = errors.New("session capacity exceeded")

type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

const (
	DefaultCloseTimeout = 5 * time.Second
	defaultEventBuffer  = 64
	readBufferSize      = 32 * 1024
)

// Terminal is an open shell channel.
type Terminal interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	// Wait is called once Read has failed and the terminal is closed. It
	// returns the exit code when the backend knows it.
	Wait() *int
}

// Backend opens terminals of one kind. target is backend specific: a profile
// id for remote shells, ignored by the local backend.
type Backend interface {
	Open(ctx context.Context, target string, cols, rows int) (Terminal, error)
}

type EventType int

const (
	EventData EventType = iota
	EventClose
)

type Event struct {
	Type     EventType
	Data     []byte
	ExitCode *int
}

// Session is one open shell. Its event stream carries output chunks followed
// by exactly one close event, after which the channel is closed.
type Session struct {
	ID        string
	Kind      Kind
	Target    string
	CreatedAt time.Time

	term      Terminal
	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
}

func (s *Session) Events() <-chan Event { return s.events }

// shutdown stops delivery of output and closes the terminal. Safe to call more
// than once.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.term.Close()
	})
}

type Options struct {
	// MaxSessions caps live plus in-flight sessions. Zero means no limit.
	MaxSessions  int
	CloseTimeout time.Duration
	EventBuffer  int
	Logger       lg.Logger
}

type Registry struct {
	kind         Kind
	backend      Backend
	max          int
	closeTimeout time.Duration
	eventBuffer  int
	logger       lg.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
}

func NewRegistry(kind Kind, backend Backend, opts Options) *Registry {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Registry{
		kind:         kind,
		backend:      backend,
		max:          opts.MaxSessions,
		closeTimeout: opts.CloseTimeout,
		eventBuffer:  opts.EventBuffer,
		logger:       lg.OrDiscard(opts.Logger).With(lg.String("kind", string(kind))),
		sessions:     make(map[string]*Session),
	}
}

func (r *Registry) Kind() Kind { return r.kind }

// Create opens a terminal through the backend and registers it under a fresh id.
func (r *Registry) Create(ctx context.Context, target string, cols, rows int) (*Session, error) {
	r.mu.Lock()
	if r.max > 0 && len(r.sessions)+r.pending >= r.max {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	r.pending++
	r.mu.Unlock()

	term, err := r.backend.Open(ctx, target, cols, rows)

	r.mu.Lock()
	r.pending--
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("open terminal failed", lg.String("target", target), lg.Err(err))
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      r.kind,
		Target:    target,
		CreatedAt: time.Now(),
		term:      term,
		events:    make(chan Event, r.eventBuffer),
		closing:   make(chan struct{}),
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session opened", lg.String("id", s.ID), lg.String("target", target))
	go r.relay(s)
	return s, nil
}

// relay forwards terminal output until the terminal ends, then removes the
// session and emits the close event.
func (r *Registry) relay(s *Session) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.events <- Event{Type: EventData, Data: data}:
			case <-s.closing:
			}
		}
		if err != nil {
			break
		}
	}

	r.remove(s)
	s.shutdown()
	code := s.term.Wait()

	closeEvent := Event{Type: EventClose, ExitCode: code}
	for delivered := false; !delivered; {
		select {
		case s.events <- closeEvent:
			delivered = true
		default:
			// nobody is reading: drop the oldest chunk to make room
			select {
			case <-s.events:
			default:
			}
		}
	}
	close(s.events)
	r.logger.Info("session closed", lg.String("id", s.ID))
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Write sends input to the session. It reports false for unknown ids and
// failed writes.
func (r *Registry) Write(id string, data []byte) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	if _, err := s.term.Write(data); err != nil {
		r.logger.Debug("write failed", lg.String("id", id), lg.Err(err))
		return false
	}
	return true
}

func (r *Registry) Resize(id string, cols, rows int) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	if err := s.term.Resize(cols, rows); err != nil {
		r.logger.Debug("resize failed", lg.String("id", id), lg.Err(err))
		return false
	}
	return true
}

// Close removes the session and closes its terminal. The close event follows
// on the session's event stream.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.shutdown()
	return true
}

// CloseAll empties the registry at once and closes every terminal concurrently.
// It returns when all are closed or the close timeout expires, whichever is
// first; on timeout the context error is returned.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.closeTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.shutdown()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("all sessions closed", lg.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		r.logger.Warn("close all timed out", lg.Int("count", len(sessions)))
		return ctx.Err()
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the live session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
