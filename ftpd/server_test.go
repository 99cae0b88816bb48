package ftpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quietstack/ftpd/auth"
	"github.com/quietstack/ftpd/storage"
	"github.com/quietstack/ftpd/tlsutil"
)

// testClient is a minimal blocking control-channel client used to drive
// the scenarios in the end-to-end interaction examples against a real
// listener, the way the teacher's server_test.go dials its own server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestServer(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) readReply() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	if len(line) >= 4 && line[3] == '-' {
		code := line[:3]
		for {
			next, err := c.r.ReadString('\n')
			if err != nil {
				c.t.Fatalf("read multiline reply: %v", err)
			}
			line += next
			if strings.HasPrefix(next, code+" ") {
				break
			}
		}
	}
	return line
}

func (c *testClient) send(cmd string) string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", cmd, err)
	}
	return c.readReply()
}

func (c *testClient) code() func(string) string {
	return func(reply string) string {
		if len(reply) < 3 {
			c.t.Fatalf("reply too short: %q", reply)
		}
		return reply[:3]
	}
}

// upgradeTLS performs the client side of the explicit-FTPS handshake:
// called right after the server's 234 reply to AUTH TLS, it replaces the
// plain connection with a TLS client connection so every subsequent
// send/readReply runs over the secured channel.
func (c *testClient) upgradeTLS() {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("client TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
}

func startTestServer(t *testing.T, opts ...ServerOption) (addr string, stop func()) {
	t.Helper()
	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	srv := NewServer(backend, opts...)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()
	return listener.Addr().String(), cancel
}

func TestServerGreetingAndAnonymousLogin(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()

	greeting := c.readReply()
	if code(greeting) != "220" {
		t.Fatalf("greeting: got %q, want 220", greeting)
	}

	if got := code(c.send("USER anonymous")); got != "331" {
		t.Fatalf("USER: got %q, want 331", got)
	}
	if got := code(c.send("PASS guest@example.com")); got != "230" {
		t.Fatalf("PASS: got %q, want 230", got)
	}
}

func TestServerPASSWithoutUserRejected(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()

	if got := code(c.send("PASS whatever")); got != "503" {
		t.Fatalf("PASS without USER: got %q, want 503", got)
	}
}

func TestServerMkdCwdPwdRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	if got := code(c.send("MKD sub")); got != "257" {
		t.Fatalf("MKD: got %q, want 257", got)
	}
	if got := code(c.send("CWD sub")); got != "250" {
		t.Fatalf("CWD: got %q, want 250", got)
	}
	pwd := c.send("PWD")
	if code(pwd) != "257" {
		t.Fatalf("PWD: got %q, want 257", pwd)
	}
	if !strings.Contains(pwd, "/sub") {
		t.Errorf("PWD reply %q does not mention /sub", pwd)
	}
}

func TestServerStorRetrRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	pasvReply := c.send("PASV")
	if code(pasvReply) != "227" {
		t.Fatalf("PASV: got %q, want 227", pasvReply)
	}
	dataAddr, err := parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}

	dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}

	storReply := c.send("STOR hello.txt")
	if code(storReply) != "150" {
		t.Fatalf("STOR: got %q, want 150", storReply)
	}
	payload := "hello from the data channel\n"
	if _, err := dataConn.Write([]byte(payload)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	dataConn.Close()

	final := c.readReply()
	if code(final) != "226" {
		t.Fatalf("STOR completion: got %q, want 226", final)
	}

	pasvReply = c.send("PASV")
	dataAddr, err = parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}
	dataConn, err = net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}

	retrReply := c.send("RETR hello.txt")
	if code(retrReply) != "150" {
		t.Fatalf("RETR: got %q, want 150", retrReply)
	}
	buf := make([]byte, len(payload))
	if _, err := readFull(dataConn, buf); err != nil {
		t.Fatalf("read data channel: %v", err)
	}
	dataConn.Close()
	if string(buf) != payload {
		t.Errorf("got payload %q, want %q", buf, payload)
	}

	final = c.readReply()
	if code(final) != "226" {
		t.Fatalf("RETR completion: got %q, want 226", final)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	if got := code(c.send("BOGUSVERB")); got != "502" && got != "500" {
		t.Fatalf("unknown verb: got %q, want 500 or 502", got)
	}
}

func TestServerJSONFileAuthWrongPasswordDelay(t *testing.T) {
	authenticator, err := auth.NewJSONFileFromJSON([]byte(`[
		{"username": "alice", "password": "plaintext-alice"}
	]`))
	if err != nil {
		t.Fatalf("NewJSONFileFromJSON: %v", err)
	}
	addr, stop := startTestServer(t, WithAuthenticator(authenticator))
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER alice")

	start := time.Now()
	reply := c.send("PASS wrong-password")
	elapsed := time.Since(start)
	if code(reply) != "530" {
		t.Fatalf("PASS wrong password: got %q, want 530", code(reply))
	}
	if elapsed < 1400*time.Millisecond {
		t.Errorf("wrong-password delay too short: %v", elapsed)
	}
}

func TestServerListShowsCreatedDirectory(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	if got := code(c.send("MKD subdir")); got != "257" {
		t.Fatalf("MKD: got %q, want 257", got)
	}

	pasvReply := c.send("PASV")
	if code(pasvReply) != "227" {
		t.Fatalf("PASV: got %q, want 227", pasvReply)
	}
	dataAddr, err := parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}
	dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}

	listReply := c.send("LIST")
	if code(listReply) != "150" {
		t.Fatalf("LIST: got %q, want 150", listReply)
	}

	listing, err := io.ReadAll(dataConn)
	if err != nil {
		t.Fatalf("read listing: %v", err)
	}
	dataConn.Close()
	if !strings.Contains(string(listing), "subdir") {
		t.Errorf("listing %q does not mention subdir", listing)
	}

	final := c.readReply()
	if code(final) != "226" {
		t.Fatalf("LIST completion: got %q, want 226", final)
	}
}

func TestServerRestRetrResumesAtOffset(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	payload := "0123456789abcdefghij"

	pasvReply := c.send("PASV")
	dataAddr, err := parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}
	dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}
	if got := code(c.send("STOR resume.txt")); got != "150" {
		t.Fatalf("STOR: got %q, want 150", got)
	}
	if _, err := dataConn.Write([]byte(payload)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	dataConn.Close()
	if got := code(c.readReply()); got != "226" {
		t.Fatalf("STOR completion: got %q, want 226", got)
	}

	const offset = 10
	if got := code(c.send("REST " + strconv.Itoa(offset))); got != "350" {
		t.Fatalf("REST: got %q, want 350", got)
	}

	pasvReply = c.send("PASV")
	dataAddr, err = parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}
	dataConn, err = net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}
	if got := code(c.send("RETR resume.txt")); got != "150" {
		t.Fatalf("RETR: got %q, want 150", got)
	}

	want := payload[offset:]
	buf := make([]byte, len(want))
	if _, err := readFull(dataConn, buf); err != nil {
		t.Fatalf("read data channel: %v", err)
	}
	dataConn.Close()
	if string(buf) != want {
		t.Errorf("got %q, want %q", buf, want)
	}

	if got := code(c.readReply()); got != "226" {
		t.Fatalf("RETR completion: got %q, want 226", got)
	}
}

func TestServerAuthTLSUpgradeThenProtP(t *testing.T) {
	cert, err := tlsutil.SelfSignedCertificate([]string{"127.0.0.1", "localhost"}, time.Hour)
	if err != nil {
		t.Fatalf("SelfSignedCertificate: %v", err)
	}
	addr, stop := startTestServer(t, WithTLS(cert))
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()

	if got := code(c.send("AUTH TLS")); got != "234" {
		t.Fatalf("AUTH TLS: got %q, want 234", got)
	}
	c.upgradeTLS()

	if got := code(c.send("USER anonymous")); got != "331" {
		t.Fatalf("USER after TLS upgrade: got %q, want 331", got)
	}
	if got := code(c.send("PASS anon@example.com")); got != "230" {
		t.Fatalf("PASS after TLS upgrade: got %q, want 230", got)
	}
	if got := code(c.send("PBSZ 0")); got != "200" {
		t.Fatalf("PBSZ: got %q, want 200", got)
	}
	if got := code(c.send("PROT P")); got != "200" {
		t.Fatalf("PROT P: got %q, want 200", got)
	}

	// The commands sent after the handshake (USER first) arriving with
	// no byte lost to the line-reader racing the TLS ClientHello, and a
	// PWD still answered after them, prove the control channel is intact
	// post-upgrade.
	pwd := c.send("PWD")
	if code(pwd) != "257" {
		t.Fatalf("PWD after TLS upgrade: got %q, want 257", pwd)
	}
}

func TestServerAborAfterCompletedTransferDoesNotHang(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := dialTestServer(t, addr)
	defer c.conn.Close()
	code := c.code()
	c.readReply()
	c.send("USER anonymous")
	c.send("PASS anon@example.com")

	pasvReply := c.send("PASV")
	dataAddr, err := parsePasvAddr(pasvReply)
	if err != nil {
		t.Fatalf("parsePasvAddr: %v", err)
	}
	dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial data channel: %v", err)
	}
	if got := code(c.send("STOR done.txt")); got != "150" {
		t.Fatalf("STOR: got %q, want 150", got)
	}
	dataConn.Write([]byte("done"))
	dataConn.Close()
	if got := code(c.readReply()); got != "226" {
		t.Fatalf("STOR completion: got %q, want 226", got)
	}

	// No PASV since the completed transfer: dataAbortTx is a stale
	// reference to a channel whose pump already exited. ABOR must still
	// reply promptly instead of waiting forever for a message from a
	// pump that is gone.
	done := make(chan string, 1)
	go func() { done <- c.send("ABOR") }()
	select {
	case reply := <-done:
		if code(reply) != "200" {
			t.Fatalf("ABOR with no active transfer: got %q, want 200", code(reply))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ABOR with no active transfer hung")
	}
}

func parsePasvAddr(reply string) (string, error) {
	start := strings.Index(reply, "(")
	end := strings.Index(reply, ")")
	if start < 0 || end < 0 || end <= start {
		return "", errInvalidPasvReply
	}
	fields := strings.Split(reply[start+1:end], ",")
	if len(fields) != 6 {
		return "", errInvalidPasvReply
	}
	host := strings.Join(fields[:4], ".")
	p1, err := strconv.Atoi(fields[4])
	if err != nil {
		return "", err
	}
	p2, err := strconv.Atoi(fields[5])
	if err != nil {
		return "", err
	}
	port := p1*256 + p2
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

var errInvalidPasvReply = &parseError{"malformed PASV reply"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
