package ftpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"sync"

	"github.com/quietstack/ftpd/auth"
	"github.com/quietstack/ftpd/storage"
)

// sessionState is one of the three control-channel states from the
// state-machine component design.
type sessionState int

const (
	stateNew sessionState = iota
	stateAwaitingPassword
	stateReady
)

// session holds the per-connection mutable state the control loop
// exclusively owns, grounded on original_source's Session<S, U> struct
// (session.rs) and the teacher's per-connection FTPSession
// (server/ftp.go, ftp/sessions.go) - translated from the original's
// generic-over-storage-and-user struct into one that holds interface
// values, the way the teacher already holds a concrete *filesystem.FS
// and *users.LocalUsers by reference rather than by type parameter.
type session struct {
	mu sync.Mutex

	id         string
	conn       *switchingStream
	remoteAddr net.Addr

	storage storage.Backend
	authn   auth.Authenticator
	metrics Metrics
	logger  *slog.Logger

	state           sessionState
	usernamePending string
	user            *auth.User

	cwd        string
	renameFrom string
	startPos   uint64

	cmdTLS  bool
	dataTLS bool

	abortPending   bool
	transferActive bool

	dataCmdTx   chan dataCommand
	dataAbortTx chan struct{}
	internalRx  chan internalMsg

	passiveListener net.Listener

	tlsConfig *tlsMaterial
}

func newSession(id string, conn *switchingStream, remoteAddr net.Addr, srv *Server) *session {
	return &session{
		id:         id,
		conn:       conn,
		remoteAddr: remoteAddr,
		storage:    srv.storage,
		authn:      srv.authn,
		metrics:    srv.metrics,
		logger:     srv.logger,
		state:      stateNew,
		cwd:        "/",
		tlsConfig:  srv.tlsMaterial,
	}
}

// resolvePath joins arg against cwd, confining "." and ".." within the
// virtual root the way join(cwd, arg) is specified to in the
// data-channel broker component design - the storage backend performs
// the actual filesystem-level confinement (storage.LocalFS.securePath);
// this just normalizes the virtual path.
func (s *session) resolvePath(arg string) string {
	return resolveAgainst(s.cwd, arg)
}

// resolveAgainst is the free-function form of resolvePath, used by data
// channel tasks operating on a dataCommand snapshot rather than a live
// *session.
func resolveAgainst(cwd, arg string) string {
	if arg == "" {
		return cwd
	}
	if path.IsAbs(arg) {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(cwd, arg))
}

// clearRenameFrom implements the policy that rename_from is cleared
// whenever any command other than RNTO executes after it was set.
func (s *session) clearRenameFrom(verb Verb) {
	if verb != VerbRNTO {
		s.renameFrom = ""
	}
}

// armDataCommand installs a freshly-armed data-channel handoff,
// discarding any previously-armed-but-unused listener and channels per
// the "at-most-one" rule: a new PASV with an armed but unused listener
// discards the old one.
func (s *session) armDataCommand(listener net.Listener, cmdTx chan dataCommand, abortTx chan struct{}, rx chan internalMsg) {
	if s.passiveListener != nil {
		s.passiveListener.Close()
	}
	s.passiveListener = listener
	s.dataCmdTx = cmdTx
	s.dataAbortTx = abortTx
	s.internalRx = rx
	s.transferActive = false
}

// takeDataCmdTx consumes the armed handoff, returning nil if none is
// armed - dispatch requires a prior PASV and replies 425 otherwise.
func (s *session) takeDataCmdTx() chan dataCommand {
	tx := s.dataCmdTx
	s.dataCmdTx = nil
	return tx
}

// teardown releases any armed passive listener and outstanding data
// task handoffs, mirroring Session::drop in original_source's
// session.rs (which decrements the metrics gauge and lets the held
// mpsc senders/receivers drop, cancelling anything still pending).
func (s *session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passiveListener != nil {
		s.passiveListener.Close()
		s.passiveListener = nil
	}
	if s.dataAbortTx != nil {
		select {
		case s.dataAbortTx <- struct{}{}:
		default:
		}
	}
	s.metrics.SessionClosed()
}

// authenticate invokes the configured Authenticator, attaching the
// caller's remote address to ctx so an auth.IPRestricted decorator (if
// configured) can consult it.
func (s *session) authenticate(ctx context.Context, username, password string) (auth.User, error) {
	if tcpAddr, ok := s.remoteAddr.(*net.TCPAddr); ok {
		if addr, ok := netipFromTCPAddr(tcpAddr); ok {
			ctx = auth.WithRemoteAddr(ctx, addr)
		}
	}
	return s.authn.Authenticate(ctx, username, password)
}

func (s *session) String() string {
	return fmt.Sprintf("session{id=%s state=%d cwd=%s}", s.id, s.state, s.cwd)
}
