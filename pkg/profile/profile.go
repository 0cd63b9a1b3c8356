// Package profile resolves opaque profile ids into the parameters needed to reach
// a remote host.
package profile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var ErrNotFound = errors.New("profile not found")

type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

const DefaultPort = 22

// Profile is a resolved connection profile. Password, KeyPath and Passphrase are
// the auth material; which of them is required depends on AuthKind.
type Profile struct {
	ID         string   `yaml:"id" json:"id" bson:"id" validate:"required"`
	Name       string   `yaml:"name,omitempty" json:"name,omitempty" bson:"name,omitempty"`
	Host       string   `yaml:"host" json:"host" bson:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int      `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username   string   `yaml:"username" json:"username" bson:"username" validate:"required"`
	AuthKind   AuthKind `yaml:"authType" json:"authType" bson:"authType" validate:"required,oneof=password key"`
	Password   string   `yaml:"password,omitempty" json:"-" bson:"password,omitempty"`
	KeyPath    string   `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty" bson:"privateKeyPath,omitempty"`
	Passphrase string   `yaml:"passphrase,omitempty" json:"-" bson:"passphrase,omitempty"`
}

// Addr returns host:port, defaulting the port to 22.
func (p Profile) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

var validate = validator.New()

func init() {
	validate.RegisterStructValidation(validateAuthMaterial, Profile{})
}

func validateAuthMaterial(sl validator.StructLevel) {
	p := sl.Current().Interface().(Profile)
	switch p.AuthKind {
	case AuthPassword:
		if p.Password == "" {
			sl.ReportError(p.Password, "Password", "Password", "required_for_password_auth", "")
		}
	case AuthKey:
		if p.KeyPath == "" {
			sl.ReportError(p.KeyPath, "KeyPath", "KeyPath", "required_for_key_auth", "")
		}
	}
}

// Validate checks the profile is complete enough to dial.
func (p Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("profile %q: %w", p.ID, err)
	}
	return nil
}

// Resolver turns a profile id into a Profile. Unknown ids yield ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Profile, error)
}

// Static is an in-memory Resolver.
type Static map[string]Profile

func (s Static) Resolve(_ context.Context, id string) (Profile, error) {
	p, ok := s[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}
