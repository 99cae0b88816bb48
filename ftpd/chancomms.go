package ftpd

import "github.com/quietstack/ftpd/auth"

// dataCommand is what the control loop hands to the data-channel pump
// through dataCmdTx, grounded on the original's DataCommand enum
// (chancomms.rs): either an external, transfer-initiating Command or a
// request to abort. It also carries a snapshot of the session state the
// pump needs (cwd, user, start offset, data-channel TLS flag), captured
// by the control loop at dispatch time - the same snapshot-before-spawn
// discipline original_source's process_data applies
// (`let cwd = self.cwd.clone(); let start_pos = self.start_pos;`)
// so the pump never races the control loop's continued mutation of
// session state for the next command.
type dataCommand struct {
	cmd      Command
	isAbort  bool
	cwd      string
	user     *auth.User
	startPos uint64
	dataTLS  bool
}

// internalMsgKind tags the variant of an internalMsg, grounded on the
// original's InternalMsg enum (chancomms.rs) - translated from a Rust
// enum-with-payload into a Go struct with a kind tag plus the fields
// only some kinds use, the way the teacher itself prefers flat structs
// over sum types (e.g. ftp.Request/ftp.Response in ftp/server.go).
type internalMsgKind int

const (
	msgSendingData internalMsgKind = iota
	msgSentBytes
	msgWrittenBytes
	msgListingComplete
	msgMkdirOK
	msgMkdirFail
	msgDelOK
	msgDelFail
	msgStorageError
	msgPermissionDenied
	msgNotFound
	msgConnectionReset
	msgAuthSucceeded
	msgAuthFailed
	msgSecureControlChannel
	msgPlainControlChannel
	msgSize
	msgQuit
)

// internalMsg is a status datum sent from a data-channel task back to
// the control loop, grounded on original_source's InternalMsg.
type internalMsg struct {
	kind  internalMsgKind
	bytes int64
	path  string
	err   error
}

// createInternalMsgChannel returns a sender/receiver pair with capacity
// 1, mirroring create_internal_msg_channel in the original's
// chancomms.rs: the data task never blocks indefinitely trying to
// report back, and the control loop only ever needs to hold the latest
// pending message.
func createInternalMsgChannel() (chan internalMsg, chan internalMsg) {
	ch := make(chan internalMsg, 1)
	return ch, ch
}

// newDataCmdChannel returns the single-slot handoff used for
// data_cmd_tx/data_cmd_rx: capacity 1 makes "at most one armed
// transfer" a property of the channel itself rather than a runtime
// check, per the design notes section of the specification.
func newDataCmdChannel() chan dataCommand {
	return make(chan dataCommand, 1)
}

// newAbortChannel returns the single-slot handoff used for
// data_abort_tx/data_abort_rx.
func newAbortChannel() chan struct{} {
	return make(chan struct{}, 1)
}
