package session

import (
	"context"
	"errors"
)

// LocalBackend is not available on Windows.
type LocalBackend struct {
	Shell string
	Dir   string
	Env   []string
}

func (b *LocalBackend) Open(context.Context, string, int, int) (Terminal, error) {
	return nil, errors.New("local terminals are not supported on windows")
}
