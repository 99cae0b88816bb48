package ftpd

import (
	"strconv"
	"strings"
	"time"

	"github.com/quietstack/ftpd/storage"
)

// featLines renders the FEAT response body, grounded on
// FeaturesCommand in server/handler.go but widened to the exact item
// set the external-interfaces section of the specification requires.
func featLines(tlsEnabled bool) []string {
	lines := []string{
		"Features:",
		" PASV",
		" UTF8",
		" SIZE",
		" MDTM",
		" REST STREAM",
	}
	if tlsEnabled {
		lines = append(lines, " AUTH TLS", " PROT", " PBSZ")
	}
	lines = append(lines, "End")
	return lines
}

const helpText = "Commands: USER PASS ACCT CWD CDUP QUIT PORT PASV TYPE STRU MODE " +
	"RETR STOR STOU APPE ALLO REST RNFR RNTO ABOR DELE RMD MKD PWD LIST " +
	"NLST SITE SYST STAT HELP NOOP FEAT OPTS AUTH PBSZ PROT CCC SIZE MDTM"

// mdtmText renders a Metadata's modification time per the MDTM format
// in the external-interfaces section: "213 YYYYMMDDhhmmss" in UTC.
func mdtmText(m storage.Metadata) string {
	return m.Modified.UTC().Format("20060102150405")
}

// statLine renders a single-entry STAT reply line in the same ls -l
// derived shape as a LIST line, reusing the storage package's own
// rendering by constructing a one-entry listing through ListFmt would
// require a directory; for a bare path this renders directly from
// Metadata instead.
func statLine(name string, m storage.Metadata) string {
	t := m.Modified
	var stamp string
	if time.Since(t) > 183*24*time.Hour {
		stamp = t.Format("Jan _2  2006")
	} else {
		stamp = t.Format("Jan _2 15:04")
	}
	return strings.TrimRight(m.Perm, "\r\n") + " 1 owner group " + strconv.FormatInt(m.Len, 10) + " " + stamp + " " + name
}
