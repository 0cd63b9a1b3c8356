package executor

import (
	"context"
	"fmt"

	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/profile"
)

// Connector resolves connection profiles and dials them.
type Connector struct {
	Resolver profile.Resolver
	Dialer   *Dialer
	Logger   lg.Logger
}

// Connect resolves profileID and opens a connection to it. An unknown profile
// yields an error wrapping profile.ErrNotFound.
func (c *Connector) Connect(ctx context.Context, profileID string) (*Client, error) {
	p, err := c.Resolver.Resolve(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return c.Dialer.Dial(ctx, p)
}

// Executor connects to profileID and returns an executor owning the connection.
// Closing the executor closes the connection.
func (c *Connector) Executor(ctx context.Context, profileID string) (*SSHExecutor, error) {
	client, err := c.Connect(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return NewSSHExecutor(client, c.Logger), nil
}

// Test verifies that p can be dialed and authenticated, then disconnects.
func (c *Connector) Test(ctx context.Context, p profile.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	client, err := c.Dialer.Dial(ctx, p)
	if err != nil {
		return err
	}
	return client.Close()
}
