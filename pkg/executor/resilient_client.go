package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/profile"
)

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	MaxAttempts            uint64
	CircuitBreakerSettings gobreaker.Settings
}

// DefaultResilienceConfig retries a dial up to three times and opens a host's
// breaker after five consecutive failures.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BackoffSettings: &backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		MaxAttempts: 3,
		CircuitBreakerSettings: gobreaker.Settings{
			Name:        "ssh-connection",
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
}

type DialerOptions struct {
	ConnectTimeout time.Duration
	// KnownHostsPath enables host key checking. Empty accepts any host key.
	KnownHostsPath string
	Resilience     ResilienceConfig
	Logger         lg.Logger
}

// Dialer establishes authenticated SSH connections. Dials are retried with
// exponential backoff and guarded by a circuit breaker per address.
type Dialer struct {
	timeout    time.Duration
	hostKeys   ssh.HostKeyCallback
	resilience ResilienceConfig
	logger     lg.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDialer(opts DialerOptions) (*Dialer, error) {
	hostKeys := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known hosts %s: %w", opts.KnownHostsPath, err)
		}
		hostKeys = cb
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Resilience.BackoffSettings == nil {
		opts.Resilience = DefaultResilienceConfig()
	}
	if opts.Resilience.MaxAttempts == 0 {
		opts.Resilience.MaxAttempts = 1
	}
	return &Dialer{
		timeout:    opts.ConnectTimeout,
		hostKeys:   hostKeys,
		resilience: opts.Resilience,
		logger:     lg.OrDiscard(opts.Logger),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (d *Dialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[addr]
	if !ok {
		settings := d.resilience.CircuitBreakerSettings
		settings.Name = settings.Name + "/" + addr
		cb = gobreaker.NewCircuitBreaker(settings)
		d.breakers[addr] = cb
	}
	return cb
}

// Dial connects and authenticates to the host described by p. Failures are
// reported as *ConnectionError.
func (d *Dialer) Dial(ctx context.Context, p profile.Profile) (*Client, error) {
	addr := p.Addr()
	auth, err := authMethods(p)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	config := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         d.timeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}

	cb := d.breaker(addr)
	attempt := 0
	var client *ssh.Client
	operation := func() error {
		attempt++
		res, err := cb.Execute(func() (any, error) {
			return dialContext(ctx, addr, config)
		})
		if err != nil {
			d.logger.Warn("ssh dial failed",
				lg.String("addr", addr), lg.Int("attempt", attempt), lg.Err(err))
			if permanentDialError(ctx, err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = res.(*ssh.Client)
		return nil
	}

	bo := *d.resilience.BackoffSettings
	bo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(&bo, d.resilience.MaxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	d.logger.Debug("ssh connected", lg.String("addr", addr), lg.String("user", p.Username))
	return &Client{SSH: client, Addr: addr, breaker: cb}, nil
}

// dialContext is ssh.Dial with the TCP connect and handshake bounded by ctx and
// the configured timeout.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: config.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// permanentDialError reports errors a retry cannot fix.
func permanentDialError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

func authMethods(p profile.Profile) ([]ssh.AuthMethod, error) {
	switch p.AuthKind {
	case profile.AuthPassword:
		return []ssh.AuthMethod{ssh.Password(p.Password)}, nil
	case profile.AuthKey:
		signer, err := loadSigner(p.KeyPath, p.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", p.AuthKind)
	}
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

// Client is an established connection. Channels are opened through the same
// breaker that guarded the dial.
type Client struct {
	SSH     *ssh.Client
	Addr    string
	breaker *gobreaker.CircuitBreaker
}

var _ Conn = (*Client)(nil)

// NewSession opens a session channel on the connection.
// The caller is responsible for closing the returned session.
func (c *Client) NewSession() (*ssh.Session, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.SSH.NewSession()
	})
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Session), nil
}

func (c *Client) NewChannel() (Channel, error) {
	sess, err := c.NewSession()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Client) Close() error {
	return c.SSH.Close()
}
