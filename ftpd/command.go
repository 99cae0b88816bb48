package ftpd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Verb is one of the recognized FTP command verbs.
type Verb string

const (
	VerbUSER Verb = "USER"
	VerbPASS Verb = "PASS"
	VerbACCT Verb = "ACCT"

	VerbTYPE Verb = "TYPE"
	VerbSTRU Verb = "STRU"
	VerbMODE Verb = "MODE"

	VerbRETR Verb = "RETR"
	VerbSTOR Verb = "STOR"
	VerbSTOU Verb = "STOU"
	VerbAPPE Verb = "APPE"
	VerbALLO Verb = "ALLO"
	VerbREST Verb = "REST"
	VerbRNFR Verb = "RNFR"
	VerbRNTO Verb = "RNTO"
	VerbABOR Verb = "ABOR"
	VerbDELE Verb = "DELE"
	VerbCWD  Verb = "CWD"
	VerbCDUP Verb = "CDUP"
	VerbMKD  Verb = "MKD"
	VerbXMKD Verb = "XMKD"
	VerbRMD  Verb = "RMD"
	VerbXRMD Verb = "XRMD"

	VerbPORT Verb = "PORT"
	VerbPASV Verb = "PASV"

	VerbPWD  Verb = "PWD"
	VerbLIST Verb = "LIST"
	VerbNLST Verb = "NLST"
	VerbSITE Verb = "SITE"
	VerbSYST Verb = "SYST"
	VerbSTAT Verb = "STAT"
	VerbHELP Verb = "HELP"

	VerbNOOP Verb = "NOOP"
	VerbQUIT Verb = "QUIT"
	VerbFEAT Verb = "FEAT"
	VerbOPTS Verb = "OPTS"

	VerbAUTH Verb = "AUTH"
	VerbPBSZ Verb = "PBSZ"
	VerbPROT Verb = "PROT"
	VerbCCC  Verb = "CCC"
	VerbSIZE Verb = "SIZE"
	VerbMDTM Verb = "MDTM"
)

// Command is a parsed control-channel command: the verb plus whatever
// verb-specific argument fields apply. Unused fields are left zero.
type Command struct {
	Verb Verb
	Raw  string // the full argument string as received, unparsed

	// Path carries the argument for verbs that take a single bare
	// path/name/string: USER, PASS, CWD, DELE, RMD/XRMD, MKD/XMKD,
	// RNFR, RNTO, RETR, STOR, STOU, APPE, LIST, NLST, SITE, AUTH mech,
	// PROT level.
	Path string

	// Offset carries the parsed REST argument.
	Offset uint64

	// PortAddr carries the parsed PORT argument.
	PortAddr *net.TCPAddr
}

// ParseCommand decodes one already-unframed command line (without the
// trailing CRLF) into a Command. It splits on the first space: verb
// (uppercased, ASCII) and the remainder as-is, mirroring
// server/handler.go's ParseCommand split.
func ParseCommand(line string) (Command, error) {
	if line == "" {
		return Command{}, &ReplyError{Code: ReplySyntaxError, Cause: fmt.Errorf("empty command line")}
	}
	parts := strings.SplitN(line, " ", 2)
	verb := Verb(strings.ToUpper(parts[0]))
	var arg string
	if len(parts) > 1 {
		arg = parts[1]
	}

	cmd := Command{Verb: verb, Raw: arg}

	switch verb {
	case VerbUSER, VerbPASS, VerbACCT, VerbCWD, VerbDELE, VerbRMD, VerbXRMD,
		VerbMKD, VerbXMKD, VerbRNFR, VerbRNTO, VerbRETR, VerbSTOR, VerbSTOU,
		VerbAPPE, VerbLIST, VerbNLST, VerbSITE, VerbSIZE, VerbMDTM, VerbTYPE,
		VerbSTRU, VerbMODE, VerbAUTH, VerbPROT:
		cmd.Path = arg
	case VerbREST:
		offset, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			return Command{}, &ReplyError{Code: ReplySyntaxErrorInParams, Cause: fmt.Errorf("REST: %w", err)}
		}
		cmd.Offset = offset
	case VerbPORT:
		addr, err := parsePortArg(arg)
		if err != nil {
			return Command{}, &ReplyError{Code: ReplySyntaxErrorInParams, Cause: err}
		}
		cmd.PortAddr = addr
	}

	return cmd, nil
}

// parsePortArg parses the classic h1,h2,h3,h4,p1,p2 PORT argument into
// an IPv4 address and port.
func parsePortArg(arg string) (*net.TCPAddr, error) {
	fields := strings.Split(strings.TrimSpace(arg), ",")
	if len(fields) != 6 {
		return nil, fmt.Errorf("PORT: expected 6 comma-separated fields, got %d", len(fields))
	}
	nums := make([]int, 6)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("PORT: invalid field %q", f)
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	port := nums[4]*256 + nums[5]
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// IsTransferInitiating reports whether cmd arms a data-channel transfer,
// per the dispatch list in the data-channel broker component design.
func (c Command) IsTransferInitiating() bool {
	switch c.Verb {
	case VerbRETR, VerbSTOR, VerbSTOU, VerbLIST, VerbNLST, VerbAPPE:
		return true
	default:
		return false
	}
}
