// Package sftpd implements a companion SSH/SFTP listener sharing the
// same storage.Backend and auth.Authenticator contracts the FTP control
// channel uses, so an embedder can serve both protocols over one
// storage tree and one credential source.
package sftpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/quietstack/ftpd/auth"
	"github.com/quietstack/ftpd/storage"
	"github.com/quietstack/ftpd/tlsutil"
)

// generateDefaultHostKey produces an Ed25519 host key, the same default
// key type the teacher falls back to in sftp/server.go's ListenAndServe
// when no private key has been set.
func generateDefaultHostKey() (privateKeyPEM, publicKeyPEM []byte, err error) {
	return tlsutil.GenerateEd25519Keys()
}

// Server is an embeddable SSH server exposing one storage.Backend tree
// over SFTP, grounded on the teacher's sftp.Server (sftp/server.go):
// same accept-loop-per-connection shape, same host-key-on-demand
// default, generalized from a concrete filesystem.FSWithReadWriteAt to
// the shared storage.Backend contract.
type Server struct {
	addr string

	backend storage.Backend
	authn   auth.Authenticator
	logger  *slog.Logger

	hostKeyPEM []byte
	hostKey    ssh.Signer

	mu        sync.Mutex
	listener  net.Listener
	sessConns map[net.Conn]*connState
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the *slog.Logger used for connection and error
// logging. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHostKey sets the SSH host key from PEM bytes; if never called,
// ListenAndServe generates a fresh Ed25519 host key on first use,
// mirroring the teacher's own "generate if not set" default.
func WithHostKey(pem []byte) Option {
	return func(s *Server) { s.hostKeyPEM = pem }
}

// NewServer constructs a Server backed by backend, authenticating
// connections through authn.
func NewServer(addr string, backend storage.Backend, authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		backend:   backend,
		authn:     authn,
		logger:    slog.Default(),
		sessConns: make(map[net.Conn]*connState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) log() *slog.Logger {
	return s.logger.With("module", "sftpd")
}

// ListenAndServe accepts SSH connections on addr until the listener
// errors, serving one SFTP session per accepted connection.
func (s *Server) ListenAndServe() error {
	if s.hostKeyPEM == nil {
		pem, _, err := generateDefaultHostKey()
		if err != nil {
			return fmt.Errorf("sftpd: generating default host key: %w", err)
		}
		s.hostKeyPEM = pem
	}
	signer, err := ssh.ParsePrivateKey(s.hostKeyPEM)
	if err != nil {
		return fmt.Errorf("sftpd: parsing host key: %w", err)
	}
	s.hostKey = signer

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("sftpd: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log().Debug("listening", "addr", s.addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("sftpd: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and closes every connection
// currently being served.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn, cs := range s.sessConns {
		cs.cancel(fmt.Errorf("sftpd: server closed"))
		conn.Close()
		delete(s.sessConns, conn)
	}
	return err
}

// connState tracks the authenticated identity negotiated for one SSH
// connection, the way the teacher's Sessions (sftp/handler.go) tracks
// per-connection state, generalized to an opaque auth.User instead of
// ssh.ConnMetadata plus a users-package lookup.
type connState struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger
	user   auth.User
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	cs := &connState{ctx: ctx, cancel: cancel, logger: s.log()}
	s.mu.Lock()
	s.sessConns[conn] = cs
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessConns, conn)
		s.mu.Unlock()
	}()

	cfg := &ssh.ServerConfig{PasswordCallback: s.passwordCallback(cs)}
	cfg.AddHostKey(s.hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		s.log().Warn("ssh handshake failed", "err", err)
		return
	}
	defer sshConn.Close()

	s.log().Debug("new ssh connection", "remote", sshConn.RemoteAddr(), "user", sshConn.User())

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log().Warn("could not accept channel", "err", err)
			return
		}

		go acceptSubsystemRequests(requests, s.log())

		handlers := newHandlers(s.backend, cs)
		reqServer := sftp.NewRequestServer(channel, handlers)
		if err := reqServer.Serve(); err != nil {
			s.log().Debug("sftp session ended", "user", sshConn.User(), "err", err)
		}
		reqServer.Close()
	}
}

// passwordCallback bridges ssh.ServerConfig's password auth to the
// shared auth.Authenticator contract, grounded on the teacher's
// AuthHandler (sftp/server.go), generalized from the teacher's own
// Users.FindUser to auth.Authenticator.Authenticate.
func (s *Server) passwordCallback(cs *connState) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		ctx, cancel := context.WithTimeout(cs.ctx, 5*time.Second)
		defer cancel()

		user, err := s.authn.Authenticate(ctx, meta.User(), string(password))
		if err != nil {
			return nil, fmt.Errorf("password rejected for %q: %w", meta.User(), err)
		}
		cs.user = user
		cs.logger = cs.logger.With("user", meta.User())
		return nil, nil
	}
}

func acceptSubsystemRequests(in <-chan *ssh.Request, logger *slog.Logger) {
	for req := range in {
		ok := req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "sftp"
		if err := req.Reply(ok, nil); err != nil {
			logger.Warn("failed to reply to ssh request", "err", err)
			return
		}
	}
}
