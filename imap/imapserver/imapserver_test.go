package imapserver_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mailcore.dev/maild/imap/imapserver"
	"mailcore.dev/maild/internal/blobstore"
	"mailcore.dev/maild/internal/config"
	"mailcore.dev/maild/internal/store/memstore"
)

// testClient wraps a dialed connection in a textproto.Conn for simple
// line-oriented request/response assertions against the tagged IMAP
// protocol.
type testClient struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
	tag  int
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, conn: conn, tp: textproto.NewConn(conn)}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.tp.ReadLine()
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return line
}

// cmd sends a tagged command and reads lines until the matching tagged
// response, returning every line including the final one.
func (c *testClient) cmd(format string, args ...interface{}) []string {
	c.t.Helper()
	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	if err := c.tp.PrintfLine("%s %s", tag, fmt.Sprintf(format, args...)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) >= len(tag) && line[:len(tag)] == tag {
			return lines
		}
	}
}

func startServer(t *testing.T) (addr string, repo *memstore.Store) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	repo = memstore.New([]string{"example.com"}, nil)
	repo.AddUser("alice@example.com", "hunter2")

	log := logrus.New()
	log.SetOutput(io.Discard)

	server := &imapserver.Server{
		Config: func() *config.Config { c := config.Default(); return &c }(),
		Repo:   repo,
		Spool:  blobstore.New(t.TempDir()),
		Log:    log,
	}
	go server.Serve(ln, "testing", nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return ln.Addr().String(), repo
}

func TestGreetingAndCapability(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()

	greeting := c.readLine()
	if want := "* OK"; len(greeting) < len(want) || greeting[:len(want)] != want {
		t.Fatalf("greeting = %q, want prefix %q", greeting, want)
	}

	lines := c.cmd("CAPABILITY")
	if len(lines) < 2 {
		t.Fatalf("CAPABILITY: too few lines: %v", lines)
	}
	if got := lines[len(lines)-1]; got != "a1 OK Completed" {
		t.Errorf("final line = %q", got)
	}
}

func TestLoginSelectAppendFetch(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine() // greeting

	c.cmd(`LOGIN alice@example.com hunter2`)

	msg := "From: alice@example.com\r\nSubject: hi\r\n\r\nhello world\r\n"
	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	if err := c.tp.PrintfLine("%s APPEND INBOX {%d}", tag, len(msg)); err != nil {
		t.Fatalf("write APPEND: %v", err)
	}
	cont := c.readLine()
	if len(cont) == 0 || cont[0] != '+' {
		t.Fatalf("want continuation, got %q", cont)
	}
	if _, err := c.conn.Write([]byte(msg + "\r\n")); err != nil {
		t.Fatalf("write literal: %v", err)
	}
	var appendOK string
	for {
		line := c.readLine()
		if len(line) >= len(tag) && line[:len(tag)] == tag {
			appendOK = line
			break
		}
	}
	if want := tag + " OK"; len(appendOK) < len(want) || appendOK[:len(want)] != want {
		t.Fatalf("APPEND result = %q", appendOK)
	}

	selectLines := c.cmd("SELECT INBOX")
	foundExists := false
	for _, l := range selectLines {
		if len(l) > 2 && l[0] == '*' {
			if containsAll(l, "EXISTS") {
				foundExists = true
			}
		}
	}
	if !foundExists {
		t.Errorf("SELECT response missing EXISTS: %v", selectLines)
	}

	fetchLines := c.cmd("FETCH 1 (UID FLAGS)")
	if len(fetchLines) < 2 {
		t.Fatalf("FETCH too few lines: %v", fetchLines)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	lines := c.cmd(`LOGIN alice@example.com wrongpass`)
	last := lines[len(lines)-1]
	if !containsAll(last, "NO") {
		t.Errorf("expected NO response, got %q", last)
	}
}

func TestLogout(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	c.tp.PrintfLine("%s LOGOUT", tag)
	bye := c.readLine()
	if !containsAll(bye, "BYE") {
		t.Errorf("want BYE, got %q", bye)
	}
}

func TestSearchAndESearch(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)

	msg := "From: alice@example.com\r\nSubject: hi\r\n\r\nhello world\r\n"
	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	c.tp.PrintfLine("%s APPEND INBOX {%d}", tag, len(msg))
	c.readLine() // continuation
	c.conn.Write([]byte(msg + "\r\n"))
	for {
		line := c.readLine()
		if len(line) >= len(tag) && line[:len(tag)] == tag {
			break
		}
	}

	c.cmd("SELECT INBOX")

	lines := c.cmd("SEARCH ALL")
	if !containsAll(lines[0], "SEARCH") {
		t.Errorf("SEARCH response = %v", lines)
	}

	lines = c.cmd("SEARCH RETURN (COUNT) ALL")
	if !containsAll(lines[0], "ESEARCH") || !containsAll(lines[0], "COUNT") {
		t.Errorf("ESEARCH response = %v", lines)
	}
}

func containsAll(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// appendMessage APPENDs body to mailbox via a synchronizing {N} literal,
// waiting for the server's "+" continuation before writing the body,
// and fails the test unless the server reports OK.
func appendMessage(t *testing.T, c *testClient, mailbox, body string) {
	t.Helper()
	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	if err := c.tp.PrintfLine("%s APPEND %s {%d}", tag, mailbox, len(body)); err != nil {
		t.Fatalf("write APPEND: %v", err)
	}
	cont := c.readLine()
	if len(cont) == 0 || cont[0] != '+' {
		t.Fatalf("want continuation, got %q", cont)
	}
	if _, err := c.conn.Write([]byte(body + "\r\n")); err != nil {
		t.Fatalf("write literal: %v", err)
	}
	for {
		line := c.readLine()
		if len(line) >= len(tag) && line[:len(tag)] == tag {
			if !containsAll(line, "OK") {
				t.Fatalf("APPEND failed: %q", line)
			}
			return
		}
	}
}

// TestUIDMoveExpungeRenumbering exercises the UID MOVE scenario: moving
// the middle of three messages must report its EXPUNGE at the sequence
// number it held in the pre-mutation cache, then leave the source
// mailbox with the other two and give the destination a fresh UID.
func TestUIDMoveExpungeRenumbering(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	for i := 0; i < 3; i++ {
		appendMessage(t, c, "INBOX", fmt.Sprintf("Subject: msg %d\r\n\r\nbody\r\n", i))
	}
	c.cmd("SELECT INBOX")

	lines := c.cmd("UID MOVE 2 Trash")
	var sawExpunge2 bool
	for _, l := range lines {
		if l == "* 2 EXPUNGE" {
			sawExpunge2 = true
		}
	}
	if !sawExpunge2 {
		t.Errorf("UID MOVE did not emit '* 2 EXPUNGE': %v", lines)
	}
	if last := lines[len(lines)-1]; !containsAll(last, "OK") {
		t.Errorf("UID MOVE final response = %q", last)
	}

	selectLines := c.cmd("SELECT INBOX")
	foundTwoLeft := false
	for _, l := range selectLines {
		if l == "* 2 EXISTS" {
			foundTwoLeft = true
		}
	}
	if !foundTwoLeft {
		t.Errorf("INBOX after move = %v, want '* 2 EXISTS'", selectLines)
	}

	trashLines := c.cmd("SELECT Trash")
	foundOne := false
	for _, l := range trashLines {
		if l == "* 1 EXISTS" {
			foundOne = true
		}
	}
	if !foundOne {
		t.Errorf("Trash after move = %v, want '* 1 EXISTS'", trashLines)
	}
}

// TestStoreFlagsUnsolicitedFetchAndSilent exercises STORE's FLAGS/
// +FLAGS/-FLAGS modes and the .SILENT suffix that suppresses the
// unsolicited FETCH response.
func TestStoreFlagsUnsolicitedFetchAndSilent(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	appendMessage(t, c, "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	c.cmd("SELECT INBOX")

	lines := c.cmd(`STORE 1 +FLAGS (\Flagged)`)
	var sawFetch bool
	for _, l := range lines {
		if containsAll(l, "FETCH") && containsAll(l, `\Flagged`) {
			sawFetch = true
		}
	}
	if !sawFetch {
		t.Errorf("STORE +FLAGS without .SILENT did not report an unsolicited FETCH: %v", lines)
	}

	lines = c.cmd(`STORE 1 +FLAGS.SILENT (\Seen)`)
	if len(lines) != 1 {
		t.Errorf("STORE +FLAGS.SILENT reported unsolicited responses: %v", lines)
	}
	if !containsAll(lines[0], "OK") {
		t.Errorf("STORE +FLAGS.SILENT final response = %q", lines[0])
	}
}

// TestCopyToMissingMailboxTryCreate confirms COPY to a nonexistent
// mailbox fails with TRYCREATE rather than silently creating it.
func TestCopyToMissingMailboxTryCreate(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	appendMessage(t, c, "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	c.cmd("SELECT INBOX")

	lines := c.cmd("COPY 1 NoSuchBox")
	last := lines[len(lines)-1]
	if !containsAll(last, "NO") || !containsAll(last, "TRYCREATE") {
		t.Errorf("COPY to missing mailbox = %v, want NO [TRYCREATE]", lines)
	}
}

// TestCopyAllocatesFreshUIDInDestination confirms a successful COPY
// reports COPYUID and leaves the source entry untouched.
func TestCopyAllocatesFreshUIDInDestination(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	appendMessage(t, c, "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	c.cmd("SELECT INBOX")

	lines := c.cmd("COPY 1 Trash")
	var sawCopyUID bool
	for _, l := range lines {
		if containsAll(l, "COPYUID") {
			sawCopyUID = true
		}
	}
	if !sawCopyUID {
		t.Errorf("COPY response missing COPYUID: %v", lines)
	}

	trashLines := c.cmd("SELECT Trash")
	foundOne := false
	for _, l := range trashLines {
		if l == "* 1 EXISTS" {
			foundOne = true
		}
	}
	if !foundOne {
		t.Errorf("Trash after COPY = %v, want '* 1 EXISTS'", trashLines)
	}

	inboxLines := c.cmd("SELECT INBOX")
	foundStillOne := false
	for _, l := range inboxLines {
		if l == "* 1 EXISTS" {
			foundStillOne = true
		}
	}
	if !foundStillOne {
		t.Errorf("INBOX after COPY = %v, want the source entry to remain: '* 1 EXISTS'", inboxLines)
	}
}

// TestCloseExpungesSilently confirms CLOSE performs the pending
// expunge but, unlike EXPUNGE, reports no untagged EXPUNGE lines.
func TestCloseExpungesSilently(t *testing.T) {
	addr, repo := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	appendMessage(t, c, "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	c.cmd("SELECT INBOX")
	c.cmd(`STORE 1 +FLAGS.SILENT (\Deleted)`)

	lines := c.cmd("CLOSE")
	for _, l := range lines {
		if containsAll(l, "EXPUNGE") {
			t.Errorf("CLOSE must not report an untagged EXPUNGE, got: %v", lines)
		}
	}
	if last := lines[len(lines)-1]; !containsAll(last, "OK") {
		t.Errorf("CLOSE final response = %q", last)
	}

	mb, err := repo.GetMailbox("alice@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	total, _, err := repo.Count(mb.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 0 {
		t.Errorf("INBOX count after CLOSE = %d, want 0 (deleted entry expunged)", total)
	}
}

// TestUnselectLeavesDeletedMarkersIntact confirms UNSELECT, unlike
// CLOSE, performs no expunge.
func TestUnselectLeavesDeletedMarkersIntact(t *testing.T) {
	addr, repo := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	appendMessage(t, c, "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	c.cmd("SELECT INBOX")
	c.cmd(`STORE 1 +FLAGS.SILENT (\Deleted)`)

	lines := c.cmd("UNSELECT")
	if last := lines[len(lines)-1]; !containsAll(last, "OK") {
		t.Errorf("UNSELECT final response = %q", last)
	}

	mb, err := repo.GetMailbox("alice@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	total, _, err := repo.Count(mb.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 1 {
		t.Errorf("INBOX count after UNSELECT = %d, want 1 (UNSELECT must not expunge)", total)
	}
}

// TestIdleTerminatesOnCaseInsensitiveDone exercises RFC 2177 IDLE: a
// "+ idling" continuation, then termination on a DONE line regardless
// of case.
func TestIdleTerminatesOnCaseInsensitiveDone(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)
	defer c.conn.Close()
	c.readLine()

	c.cmd(`LOGIN alice@example.com hunter2`)
	c.cmd("SELECT INBOX")

	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	if err := c.tp.PrintfLine("%s IDLE", tag); err != nil {
		t.Fatalf("write IDLE: %v", err)
	}
	cont := c.readLine()
	if !containsAll(cont, "idling") {
		t.Fatalf("IDLE continuation = %q, want it to mention idling", cont)
	}

	if _, err := c.conn.Write([]byte("done\r\n")); err != nil {
		t.Fatalf("write done: %v", err)
	}
	done := c.readLine()
	if !containsAll(done, "OK") {
		t.Errorf("IDLE termination response = %q, want OK", done)
	}
}

// TestSTARTTLSThenFetchWithoutSelectRejected exercises the STARTTLS
// scenario: STARTTLS is only reachable pre-authentication, so a FETCH
// issued right after the handshake (before LOGIN/SELECT) is rejected by
// the parser's mode gate exactly as it would be on a brand-new
// connection.
func TestSTARTTLSThenFetchWithoutSelectRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	repo := memstore.New([]string{"example.com"}, nil)
	repo.AddUser("alice@example.com", "hunter2")

	log := logrus.New()
	log.SetOutput(io.Discard)

	server := &imapserver.Server{
		Config: func() *config.Config { c := config.Default(); return &c }(),
		Repo:   repo,
		Spool:  blobstore.New(t.TempDir()),
		Log:    log,
	}
	go server.Serve(ln, "testing", selfSignedTLSConfig(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	c := dial(t, ln.Addr().String())
	defer c.conn.Close()
	c.readLine() // greeting

	lines := c.cmd("STARTTLS")
	if last := lines[len(lines)-1]; !containsAll(last, "OK") {
		t.Fatalf("STARTTLS response = %q", last)
	}

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.tp = textproto.NewConn(tlsConn)

	fetchLines := c.cmd("FETCH 1 (FLAGS)")
	last := fetchLines[len(fetchLines)-1]
	if !containsAll(last, "BAD") {
		t.Errorf("FETCH before LOGIN/SELECT = %v, want a BAD rejection", fetchLines)
	}
}

// selfSignedTLSConfig builds a throwaway server certificate for
// "localhost" so the STARTTLS test can complete a handshake without
// touching any real CA.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"maild test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
	}
}
