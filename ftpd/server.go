// Package ftpd implements the control-channel core of an embeddable
// FTP/FTPS server: wire codec, command model, session state machine,
// data-channel broker, and the TLS upgrade protocol for explicit FTPS.
// Storage and authentication are pluggable via the storage and auth
// sub-packages; the core invokes only their contracts.
package ftpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/quietstack/ftpd/auth"
	"github.com/quietstack/ftpd/storage"
	"github.com/quietstack/ftpd/tools"
)

const (
	defaultGreeting      = "Service ready for new user."
	defaultPassiveMin    = 49152
	defaultPassiveMax    = 65535
	maxLineLength        = 4096
	maxFramingErrorCount = 5
)

// tlsMaterial bundles the server-side TLS configuration used both for
// the control channel (AUTH TLS) and the data channel (PROT P).
type tlsMaterial struct {
	config *tls.Config
}

// Server is an embeddable FTP/FTPS listener. Construct one with
// NewServer and options, then call ListenAndServe.
type Server struct {
	greeting      string
	passiveMin    int
	passiveMax    int
	advertiseHost string
	idleTimeout   time.Duration

	storage     storage.Backend
	authn       auth.Authenticator
	metrics     Metrics
	logger      *slog.Logger
	tlsMaterial *tlsMaterial
	wireTrace   *slog.Logger

	nextConnID atomic.Uint64
}

// ServerOption configures a Server at construction time, the Go-native
// equivalent of the original's consuming-self builder chain
// (Server::new().greeting(...).certs(...).passive_ports(...)) in
// original_source/src/server/mod.rs.
type ServerOption func(*Server)

// WithGreeting overrides the text sent in the 220 banner.
func WithGreeting(text string) ServerOption {
	return func(s *Server) { s.greeting = text }
}

// WithPassivePortRange restricts PASV-allocated listeners to [min, max].
func WithPassivePortRange(min, max int) ServerOption {
	return func(s *Server) { s.passiveMin, s.passiveMax = min, max }
}

// WithAdvertisedHost overrides the host advertised in PASV replies -
// useful behind NAT where the locally-visible address isn't the
// client-reachable one.
func WithAdvertisedHost(host string) ServerOption {
	return func(s *Server) { s.advertiseHost = host }
}

// WithTLS enables explicit FTPS using the given certificate.
func WithTLS(cert tls.Certificate) ServerOption {
	return func(s *Server) {
		s.tlsMaterial = &tlsMaterial{config: &tls.Config{Certificates: []tls.Certificate{cert}}}
	}
}

// WithAuthenticator sets the Authenticator invoked during USER/PASS.
func WithAuthenticator(a auth.Authenticator) ServerOption {
	return func(s *Server) { s.authn = a }
}

// WithMetrics wires a concrete Metrics implementation; the default is a
// no-op.
func WithMetrics(m Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithIdleTimeout closes a control connection after d of no command
// activity. The default, zero, disables the timeout.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// WithLogger overrides the *slog.Logger used for connection, command,
// and error logging. The default is slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithWireTrace enables raw control-channel byte logging at debug
// level through l - every line read from and every reply written to the
// control connection is logged verbatim (non-printable bytes filtered).
// Off by default; intended for protocol debugging, not production use.
func WithWireTrace(l *slog.Logger) ServerOption {
	return func(s *Server) { s.wireTrace = l }
}

// NewServer constructs a Server backed by storage. Without
// WithAuthenticator it uses auth.Anonymous, which accepts any username
// and password.
func NewServer(backend storage.Backend, opts ...ServerOption) *Server {
	s := &Server{
		greeting:   defaultGreeting,
		passiveMin: defaultPassiveMin,
		passiveMax: defaultPassiveMax,
		storage:    backend,
		authn:      auth.Anonymous{},
		metrics:    noopMetrics{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe accepts control connections on addr until ctx is
// canceled or the listener errors. Each connection is served on its own
// goroutine, the way the teacher's Server.Run/handleConnection
// (ftp/server.go, server/ftp.go) does.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ftpd: listen %s: %w", addr, err)
	}
	return srv.serve(ctx, listener)
}

// ListenAndServeTLS is like ListenAndServe but wraps accepted
// connections directly in implicit TLS, for embedders that want FTPS-
// only listeners rather than explicit AUTH TLS upgrade.
func (srv *Server) ListenAndServeTLS(ctx context.Context, addr string) error {
	if srv.tlsMaterial == nil {
		return fmt.Errorf("ftpd: ListenAndServeTLS requires WithTLS")
	}
	listener, err := tls.Listen("tcp", addr, srv.tlsMaterial.config)
	if err != nil {
		return fmt.Errorf("ftpd: listen %s: %w", addr, err)
	}
	return srv.serve(ctx, listener)
}

func (srv *Server) serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ftpd: accept: %w", err)
			}
		}
		go srv.handleConn(conn)
	}
}

// listenPassive scans the configured passive-port range for the first
// free port, mirroring findAvailablePortInRange in the teacher's
// server/handler.go.
func (srv *Server) listenPassive() (net.Listener, error) {
	for port := srv.passiveMin; port <= srv.passiveMax; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return listener, nil
		}
	}
	return nil, fmt.Errorf("ftpd: no available port in range %d-%d", srv.passiveMin, srv.passiveMax)
}

// advertisedHost returns the host PASV replies should encode: an
// explicit override if configured, else the local address of the
// control connection.
func (srv *Server) advertisedHost(s *session) string {
	if srv.advertiseHost != "" {
		return srv.advertiseHost
	}
	if tcpAddr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return "127.0.0.1"
}

func (srv *Server) handleConn(conn net.Conn) {
	id := strconv.FormatUint(srv.nextConnID.Add(1), 10)
	stream := newSwitchingStream(conn, channelControl)
	s := newSession(id, stream, conn.RemoteAddr(), srv)
	srv.metrics.SessionOpened()
	srv.logger.Debug("control connection accepted", "conn_id", id, "remote", conn.RemoteAddr())

	defer func() {
		s.teardown()
		stream.Close()
		srv.logger.Debug("control connection closed", "conn_id", id)
	}()

	var wire io.ReadWriter = stream
	if srv.wireTrace != nil {
		wire = tools.NewLogReadWriter(stream, srv.wireTrace.With("conn_id", id))
	}

	writeReply(wire, NewReply(ReplyServiceReady, srv.greeting))

	srv.controlLoop(s, stream, wire)
}

// lineResult is one line (or terminal error) delivered by readLoop.
type lineResult struct {
	line string
	err  error
}

// readLoop issues exactly one ReadString per receive on next, never
// starting the following read until the control loop asks for it. This
// is what keeps it from racing stream.upgrade for the socket during the
// AUTH TLS handshake: while the control loop is inside dispatch (and
// possibly inside upgrade's Handshake call), readLoop sits blocked on
// <-next, not on the connection, so the TLS ClientHello bytes can only
// ever reach tlsConn.Handshake.
func readLoop(reader *bufio.Reader, next <-chan struct{}, out chan<- lineResult) {
	defer close(out)
	for range next {
		line, err := reader.ReadString('\n')
		if err != nil {
			out <- lineResult{err: err}
			return
		}
		out <- lineResult{line: strings.TrimRight(line, "\r\n")}
	}
}

// controlLoop reads commands from the control stream and dispatches
// them, concurrently draining internalRx, per the control-channel loop
// component design: "concurrently awaits (a) next decoded Command from
// the socket, and (b) next InternalMsg from internal_rx. Whichever
// resolves first is processed."
func (srv *Server) controlLoop(s *session, stream *switchingStream, wire io.ReadWriter) {
	reader := bufio.NewReaderSize(wire, maxLineLength*2)
	next := make(chan struct{}, 1)
	// Buffered by 1: if the control loop returns for a reason other than
	// a read error (QUIT, the framing-error limit, msgQuit off
	// internalRx) while readLoop is mid-ReadString, its one pending send
	// must still succeed with nobody left to receive it, or the goroutine
	// blocks forever instead of exiting once the deferred stream.Close
	// unblocks its read.
	lineCh := make(chan lineResult, 1)
	go readLoop(reader, next, lineCh)
	// If control returns while readLoop is parked on <-next instead
	// (between lines, with no read outstanding), closing next is what
	// lets its "for range next" loop end rather than block forever.
	defer close(next)

	srv.resetIdleDeadline(stream)
	next <- struct{}{}

	framingErrors := 0

	for {
		var internalRx chan internalMsg
		s.mu.Lock()
		internalRx = s.internalRx
		s.mu.Unlock()

		select {
		case res, ok := <-lineCh:
			if !ok {
				return
			}
			if res.err != nil {
				return
			}
			quit := srv.handleLine(s, stream, wire, res.line, &framingErrors)
			if quit || framingErrors >= maxFramingErrorCount {
				if framingErrors >= maxFramingErrorCount {
					writeReply(wire, NewReply(ReplyServiceNotAvailable, "Too many syntax errors, closing connection."))
				}
				return
			}
			srv.resetIdleDeadline(stream)
			next <- struct{}{}
		case msg, ok := <-internalRx:
			if !ok {
				continue
			}
			if srv.handleInternalMsg(s, wire, msg) {
				return
			}
		}
	}
}

// resetIdleDeadline pushes the control connection's read deadline out by
// idleTimeout, closing the connection (and so the session) once that
// much time passes with no command received. A zero idleTimeout, the
// default, leaves the connection without a deadline.
func (srv *Server) resetIdleDeadline(stream *switchingStream) {
	if srv.idleTimeout <= 0 {
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(srv.idleTimeout))
}

func writeReply(w interface{ Write([]byte) (int, error) }, r Reply) {
	_, _ = w.Write([]byte(r.Encode()))
}

// handleLine decodes and dispatches a single command line. It returns
// true if the connection should be closed (QUIT, or an internal
// control-channel TLS handshake failure).
func (srv *Server) handleLine(s *session, stream *switchingStream, w io.Writer, line string, framingErrors *int) bool {
	if len(line) > maxLineLength {
		*framingErrors++
		writeReply(w, NewReply(ReplySyntaxError, "Line too long."))
		return false
	}
	if !isValidUTF8(line) {
		*framingErrors++
		writeReply(w, NewReply(ReplySyntaxErrorInParams, "Invalid UTF-8."))
		return false
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		*framingErrors++
		writeReplyErr(w, err)
		return false
	}

	srv.metrics.CommandReceived(string(cmd.Verb))
	*framingErrors = 0

	reply, quit := srv.dispatch(s, stream, w, cmd)
	if reply != nil {
		srv.metrics.ReplySent(reply.Code)
		writeReply(w, *reply)
	}
	return quit
}

func writeReplyErr(w interface{ Write([]byte) (int, error) }, err error) {
	var re *ReplyError
	if errors.As(err, &re) {
		writeReply(w, NewReply(re.Code, re.Error()))
		return
	}
	writeReply(w, NewReply(ReplySyntaxError, err.Error()))
}

func isValidUTF8(s string) bool {
	return utf8.ValidString(s)
}
