package ftpd

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/quietstack/ftpd/storage"
)

// alwaysAllowed is the verb set accepted regardless of session state,
// per the New/AwaitingPassword rows in the control-channel loop
// component design, plus the STAT/SITE supplement from SPEC_FULL.
var alwaysAllowed = map[Verb]bool{
	VerbQUIT: true,
	VerbFEAT: true,
	VerbAUTH: true,
	VerbHELP: true,
	VerbNOOP: true,
	VerbSTAT: true,
	VerbSITE: true,
}

// dispatch executes one parsed command against s, returning the
// immediate Reply (nil for a deferred transfer-initiating command) and
// whether the connection should now close.
func (srv *Server) dispatch(s *session, stream *switchingStream, w io.Writer, cmd Command) (*Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !srv.commandAllowed(s, cmd.Verb) {
		if s.state != stateReady && cmd.Verb == VerbPASS {
			r := NewReply(ReplyBadSequence, "PASS without USER.")
			return &r, false
		}
		r := NewReply(ReplyBadSequence, fmt.Sprintf("Bad sequence of commands: %s not valid in current state.", cmd.Verb))
		return &r, false
	}

	s.clearRenameFrom(cmd.Verb)

	switch cmd.Verb {
	case VerbUSER:
		return srv.cmdUser(s, cmd)
	case VerbPASS:
		return srv.cmdPass(s, cmd)
	case VerbQUIT:
		r := NewReply(ReplyClosingControl, "Goodbye.")
		return &r, true
	case VerbNOOP:
		r := NewReply(ReplyCommandOK, "NOOP ok.")
		return &r, false
	case VerbSYST:
		r := NewReply(ReplyNameSystemType, "UNIX Type: L8")
		return &r, false
	case VerbFEAT:
		r := NewMultilineReply(ReplySystemStatus, featLines(srv.tlsMaterial != nil)...)
		return &r, false
	case VerbHELP:
		r := NewReply(ReplyHelpMessage, helpText)
		return &r, false
	case VerbSITE:
		return srv.cmdSite(cmd)
	case VerbSTAT:
		return srv.cmdStat(s, cmd)
	case VerbAUTH:
		return srv.cmdAuth(s, stream, w, cmd)
	case VerbPBSZ:
		r := NewReply(ReplyCommandOK, "PBSZ=0")
		return &r, false
	case VerbPROT:
		return srv.cmdProt(s, cmd)
	case VerbCCC:
		r := NewReply(ReplyBadSequence, "Could not negotiate a downgrade.")
		return &r, false
	case VerbTYPE, VerbSTRU, VerbMODE:
		r := NewReply(ReplyCommandOK, fmt.Sprintf("%s ok.", cmd.Verb))
		return &r, false
	case VerbPWD:
		r := NewReply(ReplyPathnameCreated, fmt.Sprintf("%q is current directory.", s.cwd))
		return &r, false
	case VerbCWD:
		return srv.cmdCwd(s, cmd.Path)
	case VerbCDUP:
		return srv.cmdCwd(s, "..")
	case VerbMKD, VerbXMKD:
		return srv.cmdMkd(s, cmd.Path)
	case VerbRMD, VerbXRMD:
		return srv.cmdRmd(s, cmd.Path)
	case VerbDELE:
		return srv.cmdDele(s, cmd.Path)
	case VerbRNFR:
		s.renameFrom = s.resolvePath(cmd.Path)
		r := NewReply(ReplyFileActionPending, "Ready for RNTO.")
		return &r, false
	case VerbRNTO:
		return srv.cmdRnto(s, cmd.Path)
	case VerbSIZE:
		return srv.cmdSize(s, cmd.Path)
	case VerbMDTM:
		return srv.cmdMdtm(s, cmd.Path)
	case VerbREST:
		if !srv.storage.SupportedFeatures().Has(storage.FeatureRestart) {
			r := NewReply(ReplyNotImplemented, "REST is not supported by this backend.")
			return &r, false
		}
		s.startPos = cmd.Offset
		r := NewReply(ReplyFileActionPending, fmt.Sprintf("Restarting at %d.", cmd.Offset))
		return &r, false
	case VerbPORT:
		r := NewReply(ReplyNotImplemented, "Active mode is not supported; use PASV.")
		return &r, false
	case VerbPASV:
		return srv.cmdPasv(s)
	case VerbABOR:
		return srv.cmdAbor(s)
	case VerbRETR, VerbSTOR, VerbSTOU, VerbAPPE, VerbLIST, VerbNLST:
		return srv.cmdTransfer(s, cmd)
	case VerbALLO:
		r := NewReply(ReplyCommandOK, "ALLO ok.")
		return &r, false
	default:
		r := NewReply(ReplySyntaxError, fmt.Sprintf("Unknown command %q.", cmd.Verb))
		return &r, false
	}
}

// commandAllowed implements the per-state verb tables from the
// control-channel loop component design.
func (srv *Server) commandAllowed(s *session, verb Verb) bool {
	if alwaysAllowed[verb] {
		return true
	}
	switch s.state {
	case stateNew:
		return verb == VerbUSER
	case stateAwaitingPassword:
		return verb == VerbPASS || verb == VerbUSER
	case stateReady:
		return verb != VerbPASS
	default:
		return false
	}
}

func (srv *Server) cmdUser(s *session, cmd Command) (*Reply, bool) {
	s.usernamePending = cmd.Path
	s.state = stateAwaitingPassword
	r := NewReply(ReplyNeedPassword, "Please specify the password.")
	return &r, false
}

func (srv *Server) cmdPass(s *session, cmd Command) (*Reply, bool) {
	if s.state != stateAwaitingPassword {
		r := NewReply(ReplyBadSequence, "PASS without USER.")
		return &r, false
	}
	user, err := s.authenticate(context.Background(), s.usernamePending, cmd.Path)
	if err != nil {
		s.state = stateNew
		s.usernamePending = ""
		srv.logger.Warn("authentication failed", "session", s.id, "err", err)
		r := NewReply(ReplyNotLoggedIn, "Login incorrect.")
		return &r, false
	}
	s.user = &user
	s.state = stateReady
	srv.logger.Info("authentication succeeded", "session", s.id, "user", user.Username)
	r := NewReply(ReplyUserLoggedIn, "Login successful.")
	return &r, false
}

func (srv *Server) cmdSite(cmd Command) (*Reply, bool) {
	if strings.EqualFold(strings.TrimSpace(cmd.Path), "HELP") {
		r := NewReply(ReplyHelpMessage, helpText)
		return &r, false
	}
	r := NewReply(ReplyNotImplementedParam, "Unknown SITE subcommand.")
	return &r, false
}

func (srv *Server) cmdStat(s *session, cmd Command) (*Reply, bool) {
	if strings.TrimSpace(cmd.Path) == "" {
		r := NewMultilineReply(ReplySystemStatus, "FTP server status:", " Connected.", "End of status.")
		return &r, false
	}
	target := s.resolvePath(cmd.Path)
	meta, err := srv.storage.Metadata(context.Background(), userOf(s), target)
	if err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileStatus, statLine(path.Base(target), meta))
	return &r, false
}

func (srv *Server) cmdAuth(s *session, stream *switchingStream, w io.Writer, cmd Command) (*Reply, bool) {
	if !strings.EqualFold(strings.TrimSpace(cmd.Path), "TLS") {
		r := NewReply(ReplyNotImplementedParam, "Only AUTH TLS is supported.")
		return &r, false
	}
	if srv.tlsMaterial == nil {
		r := NewReply(ReplyNotImplementedParam, "TLS is not configured on this server.")
		return &r, false
	}
	r := NewReply(ReplySecurityExchangeOK, "AUTH TLS successful.")
	writeReply(w, r)
	if err := stream.upgrade(srv.tlsMaterial.config); err != nil {
		srv.logger.Warn("control channel TLS handshake failed", "session", s.id, "err", err)
		return nil, true
	}
	s.cmdTLS = true
	return nil, false
}

func (srv *Server) cmdProt(s *session, cmd Command) (*Reply, bool) {
	level := strings.ToUpper(strings.TrimSpace(cmd.Path))
	switch level {
	case "P":
		s.dataTLS = true
	case "C":
		s.dataTLS = false
	default:
		r := NewReply(ReplyNotImplementedParam, "Only PROT P and PROT C are supported.")
		return &r, false
	}
	r := NewReply(ReplyCommandOK, fmt.Sprintf("PROT %s ok.", level))
	return &r, false
}

func (srv *Server) cmdCwd(s *session, arg string) (*Reply, bool) {
	target := s.resolvePath(arg)
	if err := srv.storage.CwdOK(context.Background(), userOf(s), target); err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	s.cwd = target
	r := NewReply(ReplyFileActionOK, "Directory successfully changed.")
	return &r, false
}

func (srv *Server) cmdMkd(s *session, arg string) (*Reply, bool) {
	target := s.resolvePath(arg)
	if err := srv.storage.Mkd(context.Background(), userOf(s), target); err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyPathnameCreated, fmt.Sprintf("%q created.", target))
	return &r, false
}

func (srv *Server) cmdRmd(s *session, arg string) (*Reply, bool) {
	target := s.resolvePath(arg)
	if err := srv.storage.Rmd(context.Background(), userOf(s), target); err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileActionOK, "Directory removed.")
	return &r, false
}

func (srv *Server) cmdDele(s *session, arg string) (*Reply, bool) {
	target := s.resolvePath(arg)
	if err := srv.storage.Del(context.Background(), userOf(s), target); err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileActionOK, "File deleted.")
	return &r, false
}

func (srv *Server) cmdRnto(s *session, arg string) (*Reply, bool) {
	if !srv.storage.SupportedFeatures().Has(storage.FeatureRename) {
		r := NewReply(ReplyNotImplemented, "RNTO is not supported by this backend.")
		return &r, false
	}
	if s.renameFrom == "" {
		r := NewReply(ReplyBadSequence, "RNTO without RNFR.")
		return &r, false
	}
	target := s.resolvePath(arg)
	from := s.renameFrom
	s.renameFrom = ""
	if err := srv.storage.Rename(context.Background(), userOf(s), from, target); err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileActionOK, "Rename successful.")
	return &r, false
}

func (srv *Server) cmdSize(s *session, arg string) (*Reply, bool) {
	if !srv.storage.SupportedFeatures().Has(storage.FeatureSize) {
		r := NewReply(ReplyNotImplemented, "SIZE is not supported by this backend.")
		return &r, false
	}
	target := s.resolvePath(arg)
	meta, err := srv.storage.Metadata(context.Background(), userOf(s), target)
	if err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileStatus, fmt.Sprintf("%d", meta.Len))
	return &r, false
}

func (srv *Server) cmdMdtm(s *session, arg string) (*Reply, bool) {
	if !srv.storage.SupportedFeatures().Has(storage.FeatureMDTM) {
		r := NewReply(ReplyNotImplemented, "MDTM is not supported by this backend.")
		return &r, false
	}
	target := s.resolvePath(arg)
	meta, err := srv.storage.Metadata(context.Background(), userOf(s), target)
	if err != nil {
		r := replyForStorageErrText(err)
		return &r, false
	}
	r := NewReply(ReplyFileStatus, mdtmText(meta))
	return &r, false
}

func (srv *Server) cmdPasv(s *session) (*Reply, bool) {
	host, port, err := srv.armPassive(s)
	if err != nil {
		r := NewReply(ReplyCantOpenDataConn, err.Error())
		return &r, false
	}
	p1, p2 := port/256, port%256
	text := fmt.Sprintf("Entering Passive Mode (%s,%d,%d)", strings.ReplaceAll(host, ".", ","), p1, p2)
	r := NewReply(ReplyEnteringPassiveMode, text)
	return &r, false
}

func (srv *Server) cmdAbor(s *session) (*Reply, bool) {
	if !s.transferActive || s.dataAbortTx == nil {
		r := NewReply(ReplyCommandOK, "No transfer in progress.")
		return &r, false
	}
	s.abortPending = true
	select {
	case s.dataAbortTx <- struct{}{}:
	default:
	}
	return nil, false
}

// cmdTransfer dispatches a transfer-initiating command to the armed
// data-channel pump, per the dispatch steps in the data-channel broker
// component design.
func (srv *Server) cmdTransfer(s *session, cmd Command) (*Reply, bool) {
	tx := s.takeDataCmdTx()
	if tx == nil {
		r := NewReply(ReplyCantOpenDataConn, "No data connection established.")
		return &r, false
	}

	// STOU's unique filename must be chosen here, synchronously, so it
	// can be named in the 150 reply - by the time the pump goroutine
	// would otherwise pick one, the reply announcing it has already
	// gone out with no name in it.
	var uniqueFile string
	if cmd.Verb == VerbSTOU {
		uniqueFile = joinVirtual(s.cwd, uniqueName())
		cmd.Path = uniqueFile
	}

	dc := dataCommand{
		cmd:      cmd,
		cwd:      s.cwd,
		user:     s.user,
		startPos: s.startPos,
		dataTLS:  s.dataTLS,
	}
	s.startPos = 0
	s.transferActive = true

	select {
	case tx <- dc:
	default:
	}

	if cmd.Verb == VerbSTOU {
		r := NewReply(ReplyFileStatusOK, fmt.Sprintf("Opening data connection for %q.", uniqueFile))
		return &r, false
	}
	r := NewReply(ReplyFileStatusOK, "Opening data connection.")
	return &r, false
}

// handleInternalMsg maps a data-channel InternalMsg to its reply per
// the reply-mapping table in the data-channel broker component design,
// writes it, and reports whether the connection should close.
func (srv *Server) handleInternalMsg(s *session, w io.Writer, msg internalMsg) bool {
	switch msg.kind {
	case msgSendingData:
		return false
	case msgSentBytes, msgWrittenBytes, msgListingComplete:
		s.transferActive = false
		writeReply(w, NewReply(ReplyClosingDataConnection, "Transfer complete."))
		return false
	case msgStorageError:
		s.transferActive = false
		writeReply(w, replyForStorageErrText(msg.err))
		return false
	case msgConnectionReset:
		s.transferActive = false
		writeReply(w, NewReply(ReplyConnClosedTransfer, "Connection reset; transfer aborted."))
		if s.abortPending {
			s.abortPending = false
			writeReply(w, NewReply(ReplyClosingDataConnection, "Abort successful."))
		}
		return false
	case msgQuit:
		return true
	default:
		return false
	}
}

func userOf(s *session) any {
	if s.user == nil {
		return nil
	}
	return *s.user
}
