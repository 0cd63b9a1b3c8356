package session

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/devterm/internal/sshtest"
	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/profile"
)

// readUntil accumulates data events until the output contains target.
func readUntil(t *testing.T, s *Session, target string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var acc string
	for !strings.Contains(acc, target) {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("stream closed waiting for %q, got %q", target, acc)
			}
			acc += string(ev.Data)
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got %q", target, acc)
		}
	}
	return acc
}

func TestRemoteBackend(t *testing.T) {
	srv := sshtest.Start(t, nil)
	p := profile.Profile{
		ID: "box", Host: srv.Host(), Port: srv.Port(),
		Username: sshtest.User, AuthKind: profile.AuthPassword, Password: sshtest.Password,
	}
	dialer, err := executor.NewDialer(executor.DialerOptions{ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	connector := &executor.Connector{Resolver: profile.Static{p.ID: p}, Dialer: dialer}
	reg := NewRegistry(KindRemote, &RemoteBackend{Connector: connector}, Options{})

	s, err := reg.Create(context.Background(), "box", 80, 24)
	require.NoError(t, err)

	require.True(t, reg.Write(s.ID, []byte("hello")))
	readUntil(t, s, "hello")

	require.True(t, reg.Resize(s.ID, 120, 40))
	readUntil(t, s, "resize:120x40")

	require.True(t, reg.Close(s.ID))
	_, closes := collect(t, s)
	require.Len(t, closes, 1)
	assert.Nil(t, closes[0].ExitCode)
}

func TestRemoteBackendUnknownProfile(t *testing.T) {
	dialer, err := executor.NewDialer(executor.DialerOptions{})
	require.NoError(t, err)
	connector := &executor.Connector{Resolver: profile.Static{}, Dialer: dialer}
	reg := NewRegistry(KindRemote, &RemoteBackend{Connector: connector}, Options{})

	_, err = reg.Create(context.Background(), "nope", 80, 24)
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

func TestLocalBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	reg := NewRegistry(KindLocal, &LocalBackend{Shell: "/bin/sh", Dir: t.TempDir()}, Options{MaxSessions: 8})

	s, err := reg.Create(context.Background(), "", 80, 24)
	require.NoError(t, err)
	assert.True(t, reg.Resize(s.ID, 100, 30))

	require.True(t, reg.Write(s.ID, []byte("echo ma$((1+1))rk; exit 3\n")))

	data, closes := collect(t, s)
	assert.Contains(t, data, "ma2rk")
	require.Len(t, closes, 1)
	require.NotNil(t, closes[0].ExitCode)
	assert.Equal(t, 3, *closes[0].ExitCode)
	assert.Equal(t, 0, reg.Count())
}
