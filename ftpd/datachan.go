package ftpd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quietstack/ftpd/storage"
)

// dataAcceptTimeout bounds how long an armed passive listener waits for
// the client to dial in, per the default in the data-channel broker
// component design.
const dataAcceptTimeout = 5 * time.Minute

// armPassive allocates one TCP listener in the configured passive-port
// range, spawns the task that awaits exactly one accept, and installs
// the armed handoff on the session, mirroring PASVCommand/
// PAEPSVCommand in the teacher's server/handler.go (the same first-free-
// port scan over the configured range, done by listenPassive).
func (srv *Server) armPassive(s *session) (host string, port int, err error) {
	listener, err := srv.listenPassive()
	if err != nil {
		return "", 0, err
	}

	cmdTx := newDataCmdChannel()
	abortTx := newAbortChannel()
	rxTx, rx := createInternalMsgChannel()
	s.armDataCommand(listener, cmdTx, abortTx, rx)

	addr := listener.Addr().(*net.TCPAddr)
	go srv.acceptAndPump(s, listener, cmdTx, abortTx, rxTx)

	return srv.advertisedHost(s), addr.Port, nil
}

// acceptAndPump waits for exactly one data connection, then for the
// next dataCommand or abort signal, fans out to the matching storage
// operation, and reports the outcome back through rxTx - grounded on
// original_source's Session::process_data (session.rs), which selects
// between the data-command receiver and the abort receiver and spawns
// one task per transfer kind. It never reads session fields directly;
// everything it needs travels inside the dataCommand snapshot.
func (srv *Server) acceptAndPump(s *session, listener net.Listener, cmdRx chan dataCommand, abortRx chan struct{}, rxTx chan internalMsg) {
	defer listener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			return
		}
		conn = res.conn
	case <-time.After(dataAcceptTimeout):
		return
	case <-abortRx:
		return
	}
	defer conn.Close()

	var dc dataCommand
	select {
	case dc = <-cmdRx:
		if dc.isAbort {
			return
		}
	case <-abortRx:
		return
	}

	stream := newSwitchingStream(conn, channelData)
	if dc.dataTLS && s.tlsConfig != nil {
		if err := stream.upgrade(s.tlsConfig.config); err != nil {
			srv.logger.Warn("data channel TLS handshake failed", "session", s.id, "err", err)
			send(rxTx, internalMsg{kind: msgStorageError, err: storage.NewError(storage.ErrKindLocalError, err)})
			return
		}
	}

	srv.runTransfer(s, stream, dc, rxTx)
}

// runTransfer performs the storage-backed transfer for one dispatched
// command and reports the result through rxTx, per the transfer
// semantics in the data-channel broker component design.
func (srv *Server) runTransfer(s *session, stream io.ReadWriteCloser, dc dataCommand, rxTx chan internalMsg) {
	ctx := context.Background()
	var user any
	if dc.user != nil {
		user = *dc.user
	}

	defer func() {
		if r := recover(); r != nil {
			srv.logger.Error("panic in data channel task", "session", s.id, "panic", r)
			send(rxTx, internalMsg{kind: msgStorageError, err: storage.NewError(storage.ErrKindLocalError, fmt.Errorf("panic: %v", r))})
		}
	}()

	switch dc.cmd.Verb {
	case VerbRETR:
		srv.pumpRetr(ctx, stream, user, dc, rxTx)
	case VerbSTOR:
		srv.pumpStor(ctx, stream, user, dc, dc.cmd.Path, false, rxTx)
	case VerbAPPE:
		srv.pumpStor(ctx, stream, user, dc, dc.cmd.Path, true, rxTx)
	case VerbSTOU:
		// dc.cmd.Path already carries the unique name cmdTransfer chose
		// and announced in its 150 reply; resolveAgainst treats it as
		// absolute and leaves it untouched regardless of dc.cwd.
		srv.pumpStor(ctx, stream, user, dc, dc.cmd.Path, false, rxTx)
	case VerbLIST:
		srv.pumpList(ctx, stream, user, dc, dc.cmd.Path, rxTx, true)
	case VerbNLST:
		srv.pumpList(ctx, stream, user, dc, dc.cmd.Path, rxTx, false)
	}
}

func (srv *Server) pumpRetr(ctx context.Context, stream io.ReadWriteCloser, user any, dc dataCommand, rxTx chan internalMsg) {
	path := resolveAgainst(dc.cwd, dc.cmd.Path)
	src, err := srv.storage.Get(ctx, user, path, int64(dc.startPos))
	if err != nil {
		send(rxTx, internalMsg{kind: msgStorageError, err: err})
		return
	}
	defer src.Close()
	send(rxTx, internalMsg{kind: msgSendingData})

	n, err := io.Copy(stream, src)
	if err != nil {
		send(rxTx, internalMsg{kind: msgConnectionReset})
		return
	}
	srv.metrics.TransferBytes("out", n)
	send(rxTx, internalMsg{kind: msgSentBytes, bytes: n})
}

func (srv *Server) pumpStor(ctx context.Context, stream io.ReadWriteCloser, user any, dc dataCommand, argPath string, appendMode bool, rxTx chan internalMsg) {
	path := resolveAgainst(dc.cwd, argPath)
	n, err := srv.storage.Put(ctx, user, stream, path, int64(dc.startPos), appendMode)
	if err != nil {
		send(rxTx, internalMsg{kind: msgStorageError, err: err})
		return
	}
	srv.metrics.TransferBytes("in", n)
	send(rxTx, internalMsg{kind: msgWrittenBytes, bytes: n})
}

func (srv *Server) pumpList(ctx context.Context, stream io.ReadWriteCloser, user any, dc dataCommand, argPath string, rxTx chan internalMsg, longForm bool) {
	path := dc.cwd
	if argPath != "" {
		path = resolveAgainst(dc.cwd, argPath)
	}
	var (
		src io.ReadCloser
		err error
	)
	if longForm {
		src, err = srv.storage.ListFmt(ctx, user, path)
	} else {
		src, err = srv.storage.Nlst(ctx, user, path)
	}
	if err != nil {
		send(rxTx, internalMsg{kind: msgStorageError, err: err})
		return
	}
	defer src.Close()
	if _, err := io.Copy(stream, src); err != nil {
		send(rxTx, internalMsg{kind: msgConnectionReset})
		return
	}
	send(rxTx, internalMsg{kind: msgListingComplete})
}

// send delivers msg on the capacity-1 internal-message channel without
// blocking: if the slot still holds an earlier message the control loop
// has not taken yet, that message is discarded and msg takes its place,
// so the slot always holds the latest outcome.
func send(ch chan internalMsg, msg internalMsg) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func uniqueName() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "ftpd-" + hex.EncodeToString(b[:])
}

func joinVirtual(cwd, name string) string {
	if cwd == "/" {
		return "/" + name
	}
	return cwd + "/" + name
}
