// Package sshtest runs an in-process SSH server for tests. It answers exec
// requests through a handler, echoes interactive shells, and serves SFTP from
// the local filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "devterm"
	Password = "secret"
)

// ExecHandler answers an exec request. The returned value is sent as the exit
// status.
type ExecHandler func(cmd string, stdout, stderr io.Writer) int

type Server struct {
	Addr string

	listener net.Listener
	config   *ssh.ServerConfig
	handler  ExecHandler

	mu       sync.Mutex
	commands []string
	conns    int
}

// Start listens on a loopback port and serves until the test ends. A nil
// handler answers every command with exit status 0 and no output.
func Start(t testing.TB, handler ExecHandler) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if handler == nil {
		handler = func(string, io.Writer, io.Writer) int { return 0 }
	}

	s := &Server{Addr: listener.Addr().String(), listener: listener, config: config, handler: handler}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})
	return s
}

// Host and Port split Addr for building profiles.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Commands returns the exec commands received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns the number of authenticated connections accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			reply(req, true)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			reply(req, true)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			go func() {
				code := s.handler(payload.Command, ch, ch.Stderr())
				exit(ch, code)
			}()

		case "shell":
			reply(req, true)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write(buf[:n])
					}
					if err != nil {
						exit(ch, 0)
						return
					}
				}
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				_ = server.Serve()
				server.Close()
			}()

		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func exit(ch ssh.Channel, code int) {
	status := struct{ Status uint32 }{uint32(code)}
	ch.SendRequest("exit-status", false, ssh.Marshal(&status))
	ch.Close()
}
