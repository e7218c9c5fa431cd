// Package imapserver implements the IMAP4rev1 protocol engine: the
// NOT_AUTHENTICATED -> AUTHENTICATED -> SELECTED -> LOGOUT state
// machine, command dispatch gated by imapparser's own Mode tracking,
// and the full command set minus the CONDSTORE/QRESYNC/COMPRESS/
// XAPPLEPUSHSERVICE extensions imapparser already drops.
//
// The engine talks directly to store.Repository rather than through an
// intermediate session/mailbox abstraction layer -- there has only ever
// been one backend, so that indirection is not worth carrying.
package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base32"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"mailcore.dev/maild/imap/imapparser"
	"mailcore.dev/maild/imap/imapparser/utf7mod"
	"mailcore.dev/maild/internal/blobstore"
	"mailcore.dev/maild/internal/config"
	"mailcore.dev/maild/internal/events"
	"mailcore.dev/maild/internal/store"
)

var ErrServerClosed = fmt.Errorf("imapserver: server closed")
var errBadCredentials = fmt.Errorf("imapserver: bad credentials")

// Server is one IMAP engine instance.
type Server struct {
	Config *config.Config
	Repo   store.Repository
	Spool  *blobstore.Spool
	Events events.Sink
	Log    *logrus.Logger
	Rand   io.Reader

	// Debug, if set, receives a prefixed (C:/S:) copy of every session's
	// traffic, long literals elided -- see debug.go. Typically left nil
	// in production.
	Debug io.Writer

	mu       sync.Mutex
	cond     *sync.Cond
	conns    map[*Conn]struct{}
	shutdown chan struct{}
}

func (server *Server) init() {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conns == nil {
		server.conns = make(map[*Conn]struct{})
		server.cond = sync.NewCond(&server.mu)
		server.shutdown = make(chan struct{})
	}
	if server.Rand == nil {
		server.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if server.Events == nil {
		server.Events = events.Discard{}
	}
}

// Shutdown marks the server as closed, so that Serve returns
// ErrServerClosed the next time Accept on its listener fails, and waits
// for in-flight sessions to close or ctx to expire. It closes neither
// the listener nor any open session.
func (server *Server) Shutdown(ctx context.Context) {
	close(server.shutdown)
	for {
		server.mu.Lock()
		n := len(server.conns)
		server.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Serve accepts connections from ln until Shutdown is called. ln is
// expected to already apply the listener's TLS personality (plain,
// implicit, or auto-sniff submission-style) via internal/tlsaccept;
// tlsConfig is used only for the explicit STARTTLS upgrade path.
func (server *Server) Serve(ln net.Listener, hostname string, tlsConfig *tls.Config) error {
	server.init()

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-server.shutdown:
				return ErrServerClosed
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				server.Log.WithError(err).Warn("imap accept")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go server.serveConn(c, hostname, tlsConfig)
	}
}

func (server *Server) genSessionID() string {
	idb := make([]byte, 10)
	io.ReadFull(server.Rand, idb)
	return base32.StdEncoding.EncodeToString(idb)
}

func (server *Server) serveConn(c net.Conn, hostname string, tlsConfig *tls.Config) {
	id := server.genSessionID()
	_, alreadyTLS := c.(*tls.Conn)

	conn := &Conn{
		ID:       id,
		server:   server,
		hostname: hostname,
		netConn:  c,
		tls:      alreadyTLS,
	}
	if tlsConfig != nil {
		conn.tlsConfig = tlsConfig.Clone()
	}
	if server.Debug != nil {
		conn.debug = newDebugWriter(id, conn.logf, server.Debug)
	}
	conn.wrapIO(c)

	server.mu.Lock()
	server.conns[conn] = struct{}{}
	server.mu.Unlock()

	conn.serve()

	server.mu.Lock()
	delete(server.conns, conn)
	server.cond.Signal()
	server.mu.Unlock()
}

// Conn is one IMAP session. NOT_AUTHENTICATED/AUTHENTICATED/SELECTED are
// tracked by imapparser.Parser.Mode (which also gates which commands
// parse at all); LOGOUT simply ends the connection rather than needing
// a fourth Mode value.
type Conn struct {
	ID       string
	server   *Server
	hostname string

	netConn   net.Conn
	tlsConfig *tls.Config
	tls       bool

	br *bufio.Reader
	bw *bufio.Writer
	p  *imapparser.Parser

	owner    string // authenticated user's email; "" until LOGIN/AUTHENTICATE
	mailbox  *store.Mailbox
	readOnly bool
	cache    *sessionCache

	debug *debugWriter
}

// wrapIO (re)installs br/bw over rw, teeing through c.debug when a debug
// writer is configured -- used both for the initial connection and again
// after a STARTTLS upgrade, so debug capture survives the TLS handshake.
func (c *Conn) wrapIO(rw io.ReadWriter) {
	if c.debug == nil {
		c.br = bufio.NewReader(rw)
		c.bw = bufio.NewWriter(rw)
		return
	}
	c.br = bufio.NewReader(io.TeeReader(rw, c.debug.client))
	c.bw = bufio.NewWriter(io.MultiWriter(rw, c.debug.server))
}

func (c *Conn) logf(format string, v ...interface{}) {
	c.server.Log.WithField("session_id", c.ID).Debugf(format, v...)
}

func (c *Conn) report(kind events.Kind, detail string, err error) {
	c.server.Events.Report(events.Event{
		Kind:       kind,
		SessionID:  c.ID,
		RemoteAddr: c.netConn.RemoteAddr(),
		User:       c.owner,
		Detail:     detail,
		Err:        err,
	})
}

func (c *Conn) flush() {
	if err := c.bw.Flush(); err != nil {
		c.close()
	}
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// respondln writes "<tag> <msg>\r\n" and flushes.
func (c *Conn) respondln(format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteString("\r\n")
	c.flush()
}

func (c *Conn) close() {
	c.closeMailbox()
	c.netConn.Close()
}

func (c *Conn) closeMailbox() {
	c.mailbox = nil
	c.cache = nil
	c.readOnly = false
	if c.p != nil && c.p.Mode == imapparser.ModeSelected {
		c.p.Mode = imapparser.ModeAuth
	}
}

// writeString writes s as an atom, a quoted string, or a byte-counted
// literal, whichever its content requires (anything outside
// [A-Za-z0-9-_.] needs quoting; CR, LF, '"', '\' or invalid UTF-8
// force a literal). Non-ASCII mailbox names are
// transport-encoded via utf7mod first.
func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	const (
		asAtom = iota
		asQuote
		asLiteral
	)
	kind := asAtom
	rest := s
	for len(rest) > 0 {
		r, sz := utf8.DecodeRuneInString(rest)
		rest = rest[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' {
			kind = asLiteral
			break
		}
		if r == '"' || r == '\\' {
			kind = asLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z', 'a' <= r && r <= 'z', '0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			if kind == asAtom {
				kind = asQuote
			}
		}
	}

	if kind == asAtom {
		c.bw.WriteString(s)
		return
	}

	enc, err := utf7mod.AppendEncode(nil, []byte(s))
	if err != nil {
		c.logf("cannot encode string %q: %v", s, err)
		enc = []byte(s)
	}
	switch kind {
	case asLiteral:
		c.writef("{%d}\r\n", len(enc))
		c.flush()
		c.bw.Write(enc)
	case asQuote:
		fmt.Fprintf(c.bw, "%q", enc)
	}
}

func (c *Conn) writeStringBytes(b []byte) { c.writeString(string(b)) }

func (c *Conn) writeLiteral(r io.Reader, n int64) {
	c.writef("{%d}\r\n", n)
	if c.debug != nil {
		c.debug.server.literalDataFollows(int(n))
	}
	c.flush()
	if _, err := io.CopyN(c.bw, r, n); err != nil {
		c.logf("writeLiteral(n=%d): %v", n, err)
	}
}

// serve runs one connection's command loop until LOGOUT, EOF, or error.
func (c *Conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.logf("panic: %v", r)
		}
		c.close()
	}()

	litf := c.server.Spool.Filer().BufferFile(0)
	defer litf.Close()

	c.writef("* OK [CAPABILITY %s] %s ready\r\n", capabilityString(c.tls), c.hostname)
	c.flush()

	contFn := func(msg string, length uint32) {
		c.writef(msg)
		c.flush()
	}
	c.p = &imapparser.Parser{
		Scanner: imapparser.NewScanner(c.br, litf, contFn),
	}

	for {
		if t := c.server.Config.IMAPIdleTimeout; t > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(t))
		}
		if _, err := c.br.Peek(1); err != nil {
			return
		}
		if !c.serveParseCmd() {
			return
		}
	}
}

func (c *Conn) serveParseCmd() bool {
	err := c.p.ParseCommand()
	switch {
	case err == nil:
		c.serveCmd()
		return true
	case err == io.EOF:
		return false
	}
	if _, isNetErr := err.(net.Error); isNetErr {
		return false
	}
	if te, ok := err.(imapparser.TaggedError); ok {
		fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		c.flush()
		return true
	}
	if _, ok := err.(imapparser.ParseError); ok {
		c.logf("parse error: %v", err)
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.flush()
		return true
	}
	c.logf("conn error: %v", err)
	fmt.Fprintf(c.bw, "* BAD connection error\r\n")
	c.flush()
	return false
}

func (c *Conn) serveCmd() {
	cmd := &c.p.Command
	switch cmd.Name {
	case "CAPABILITY":
		c.writef("* CAPABILITY %s\r\n", capabilityString(c.tls))
		c.respondln("OK Completed")

	case "NOOP":
		if c.mailbox != nil {
			c.reportMailboxCounts()
		}
		c.respondln("OK nothing offered, nothing given")

	case "LOGOUT":
		c.writef("* BYE\r\n%s OK Completed\r\n", cmd.Tag)
		c.flush()
		c.close()

	case "ID":
		c.writef(`* ID ("name" "maild" "vendor" "mailcore.dev")` + "\r\n")
		c.respondln("OK success")

	case "ENABLE":
		c.respondln("OK completed")

	case "NAMESPACE":
		c.writef(`* NAMESPACE (("" ".")) NIL NIL` + "\r\n")
		c.respondln("OK Completed")

	case "STARTTLS":
		c.cmdStartTLS()

	case "LOGIN", "AUTHENTICATE":
		c.cmdLogin()

	case "CREATE":
		c.cmdCreate()
	case "DELETE":
		c.cmdDelete()
	case "RENAME":
		c.cmdRename()
	case "SUBSCRIBE", "UNSUBSCRIBE":
		c.respondln("OK %s completed", cmd.Name)
	case "LIST", "LSUB":
		c.cmdList()
	case "SELECT", "EXAMINE":
		c.cmdSelect()
	case "STATUS":
		c.cmdStatus()
	case "APPEND":
		c.cmdAppend()

	case "CHECK":
		c.respondln("OK CHECK completed")
	case "CLOSE":
		c.cmdClose()
	case "UNSELECT":
		c.closeMailbox()
		c.respondln("OK UNSELECT completed")
	case "EXPUNGE":
		c.cmdExpunge()
	case "COPY", "MOVE":
		c.cmdCopyOrMove()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	case "IDLE":
		c.cmdIdle()
	}
}

func (c *Conn) cmdStartTLS() {
	if c.tls {
		c.respondln("BAD already using TLS")
		return
	}
	c.respondln("OK begin TLS negotiation now")
	tlsConn := tls.Server(c.netConn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.logf("STARTTLS handshake: %v", err)
		c.close()
		return
	}
	c.netConn = tlsConn
	c.wrapIO(tlsConn)
	c.p.Scanner.SetSource(c.br)
	c.tls = true
}

func (c *Conn) cmdLogin() {
	cmd := &c.p.Command
	ok, err := c.server.Repo.Authenticate(string(cmd.Auth.Username), string(cmd.Auth.Password))
	if err != nil {
		c.respondln("BAD %v", err)
		return
	}
	if !ok {
		c.report(events.IMAPLoginFailure, string(cmd.Auth.Username), errBadCredentials)
		c.respondln("NO bad credentials")
		return
	}
	c.owner = string(cmd.Auth.Username)
	if err := c.server.Repo.EnsureDefaultMailboxes(c.owner); err != nil {
		c.logf("EnsureDefaultMailboxes(%s): %v", c.owner, err)
	}
	c.p.Mode = imapparser.ModeAuth
	c.report(events.IMAPLoginSuccess, c.owner, nil)
	c.respondln("OK [CAPABILITY %s] logged in", capabilityString(c.tls))
}

func (c *Conn) cmdCreate() {
	name, p := mailboxNamePath(c.p.Command.Mailbox)
	if _, err := c.server.Repo.CreateMailbox(c.owner, name, p); err != nil {
		c.respondln("NO CREATE failed %v", err)
		return
	}
	c.respondln("OK CREATE completed")
}

func (c *Conn) cmdDelete() {
	_, p := mailboxNamePath(c.p.Command.Mailbox)
	if err := c.server.Repo.DeleteMailbox(c.owner, p); err != nil {
		c.respondln("NO DELETE failed %v", err)
		return
	}
	c.respondln("OK DELETE completed")
}

func (c *Conn) cmdRename() {
	_, oldPath := mailboxNamePath(c.p.Command.Rename.OldMailbox)
	_, newPath := mailboxNamePath(c.p.Command.Rename.NewMailbox)
	if err := c.server.Repo.RenameMailbox(c.owner, oldPath, newPath); err != nil {
		c.respondln("NO RENAME failed %v", err)
		return
	}
	c.respondln("OK RENAME completed")
}

// mailboxNamePath splits a client-supplied mailbox name (already UTF7MOD
// decoded by imapparser) into a display name and a dotted storage path;
// this server keeps them identical, since it has no nested-hierarchy
// separator distinct from the dot it already stores paths with.
func mailboxNamePath(raw []byte) (name, p string) {
	s := string(raw)
	return s, s
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command
	if len(cmd.List.ReferenceName) == 0 && len(cmd.List.MailboxGlob) == 0 {
		c.writef("* %s (\\Noselect) \".\" \"\"\r\n", cmd.Name)
		c.respondln("OK Success")
		return
	}

	boxes, err := c.server.Repo.ListMailboxesPattern(c.owner, string(cmd.List.ReferenceName), string(cmd.List.MailboxGlob))
	if err != nil {
		c.respondln("BAD %s %v", cmd.Name, err)
		return
	}

	hasKids := make(map[string]bool)
	for _, b := range boxes {
		if i := strings.LastIndexByte(b.Path, '.'); i > 0 {
			hasKids[b.Path[:i]] = true
		}
	}

	for _, b := range boxes {
		kidFlag := `\HasNoChildren`
		if hasKids[b.Path] {
			kidFlag = `\HasChildren`
		}
		if cmd.Name == "LSUB" {
			kidFlag = ""
		}
		special := specialUseAttr(b.Path)
		spacer := ""
		if special != "" {
			spacer = " "
		}
		c.writef("* %s (%s%s%s) \".\" ", cmd.Name, kidFlag, spacer, special)
		c.writeString(b.Path)
		c.writef("\r\n")
	}
	c.respondln("OK Success")
}

// specialUseAttr attaches the RFC 6154 SPECIAL-USE attribute for the
// well-known mailbox names.
func specialUseAttr(mailboxPath string) string {
	switch strings.ToUpper(mailboxPath) {
	case "SENT":
		return `\Sent`
	case "DRAFTS":
		return `\Drafts`
	case "TRASH":
		return `\Trash`
	case "JUNK":
		return `\Junk`
	}
	return ""
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command
	c.closeMailbox()

	_, p := mailboxNamePath(cmd.Mailbox)
	box, err := c.server.Repo.GetMailbox(c.owner, p)
	if err != nil {
		c.respondln("NO no such mailbox")
		return
	}

	c.mailbox = box
	c.readOnly = cmd.Name == "EXAMINE"
	entries, err := c.server.Repo.ListEntries(box.ID)
	if err != nil {
		c.mailbox = nil
		c.respondln("NO SELECT internal error")
		c.logf("SELECT: %v", err)
		return
	}
	c.cache = newSessionCache(entries)
	c.p.Mode = imapparser.ModeSelected
	c.report(events.IMAPMailboxSelected, box.Path, nil)

	total := uint32(len(entries))
	firstUnseen := uint32(0)
	for i, e := range c.cache.entries {
		if !e.Flags.Seen && firstUnseen == 0 {
			firstUnseen = uint32(i + 1)
		}
	}

	c.writef(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)` + "\r\n")
	c.writef("* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Ok\r\n")
	c.writef("* %d EXISTS\r\n", total)
	c.writef("* 0 RECENT\r\n")
	if firstUnseen > 0 {
		c.writef("* OK [UNSEEN %d]\r\n", firstUnseen)
	}
	c.writef("* OK [UIDVALIDITY %d]\r\n", box.UIDValidity)
	c.writef("* OK [UIDNEXT %d]\r\n", box.NextUID)

	if c.readOnly {
		c.respondln("OK [READ-ONLY] %s completed", cmd.Name)
	} else {
		c.respondln("OK [READ-WRITE] %s completed", cmd.Name)
	}
}

// reportMailboxCounts implements the NOOP-in-SELECTED unsolicited
// EXISTS notification: only this session's own cache is consulted,
// never another connection's.
func (c *Conn) reportMailboxCounts() {
	total, _, err := c.server.Repo.Count(c.mailbox.ID)
	if err != nil {
		return
	}
	if int(total) != c.cache.Size() {
		entries, err := c.server.Repo.ListEntries(c.mailbox.ID)
		if err == nil {
			c.cache = newSessionCache(entries)
		}
		c.writef("* %d EXISTS\r\n", total)
	}
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command
	_, p := mailboxNamePath(cmd.Mailbox)
	box, err := c.server.Repo.GetMailbox(c.owner, p)
	if err != nil {
		c.respondln("BAD STATUS %v", err)
		return
	}
	total, unread, err := c.server.Repo.Count(box.ID)
	if err != nil {
		c.respondln("BAD STATUS %v", err)
		return
	}

	c.writef("* STATUS ")
	c.writeStringBytes(cmd.Mailbox)
	c.writef(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", total)
		case imapparser.StatusRecent:
			c.writef("RECENT 0")
		case imapparser.StatusUIDNext:
			c.writef("UIDNEXT %d", box.NextUID)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", box.UIDValidity)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", unread)
		}
	}
	c.writef(")\r\n")
	c.respondln("OK STATUS completed")
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command
	_, p := mailboxNamePath(cmd.Mailbox)

	box, err := c.server.Repo.GetMailbox(c.owner, p)
	if err != nil {
		c.respondln("NO [TRYCREATE] no such mailbox")
		return
	}

	var date time.Time
	if len(cmd.Append.Date) > 0 {
		date, err = time.Parse("02-Jan-2006 15:04:05 -0700", string(cmd.Append.Date))
		if err != nil {
			c.respondln("NO APPEND bad date %v", err)
			return
		}
	} else {
		date = time.Now()
	}

	flags := store.Flags{Seen: true}
	for _, f := range cmd.Append.Flags {
		applyFlag(&flags, string(f), true)
	}

	raw, err := blobstore.ReadAll(cmd.Literal)
	if err != nil {
		c.respondln("NO APPEND %v", err)
		return
	}
	if max := c.server.Config.MaxMessageSize; max > 0 && int64(len(raw)) > max {
		c.respondln("NO APPEND message too large")
		return
	}

	_, uidValidity, uid, err := c.server.Repo.AppendToMailbox(c.owner, p, raw, flags, date)
	if err != nil {
		c.respondln("NO APPEND %v", err)
		return
	}
	c.report(events.IMAPAppend, box.Path, nil)
	c.respondln("OK [APPENDUID %d %d] APPEND completed", uidValidity, uid)
}

func applyFlag(f *store.Flags, name string, value bool) {
	switch name {
	case `\Seen`:
		f.Seen = value
	case `\Flagged`:
		f.Flagged = value
	case `\Answered`:
		f.Answered = value
	case `\Deleted`:
		f.Deleted = value
	case `\Draft`:
		f.Draft = value
	}
}

func (c *Conn) cmdClose() {
	if c.mailbox != nil && !c.readOnly {
		c.server.Repo.Expunge(c.mailbox.ID)
	}
	c.closeMailbox()
	c.respondln("OK CLOSE completed, returned to authenticated state.")
}

func (c *Conn) cmdExpunge() {
	var removed []uint32
	var err error
	if c.p.Command.UID {
		uids := make([]uint32, 0, len(c.p.Command.Sequences))
		for _, e := range c.cache.resolveSet(c.p.Command.Sequences, true) {
			uids = append(uids, e.UID)
		}
		removed, err = c.server.Repo.ExpungeUIDs(c.mailbox.ID, uids)
	} else {
		removed, err = c.server.Repo.Expunge(c.mailbox.ID)
	}
	if err != nil {
		c.respondln("NO EXPUNGE %v", err)
		return
	}

	var seqs []uint32
	for _, uid := range removed {
		if seq, ok := c.cache.SeqOfUID(uid); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		c.writef("* %d EXPUNGE\r\n", seq-uint32(i))
	}
	c.refreshCache()
	c.report(events.IMAPExpunge, c.mailbox.Path, nil)
	c.respondln("OK EXPUNGE completed")
}

func (c *Conn) refreshCache() {
	entries, err := c.server.Repo.ListEntries(c.mailbox.ID)
	if err != nil {
		c.logf("refreshCache: %v", err)
		return
	}
	c.cache = newSessionCache(entries)
}

func (c *Conn) cmdCopyOrMove() {
	cmd := &c.p.Command
	_, dstPath := mailboxNamePath(cmd.Mailbox)
	dst, err := c.server.Repo.GetMailbox(c.owner, dstPath)
	if err != nil {
		c.respondln("NO [TRYCREATE] destination mailbox does not exist")
		return
	}

	entries := c.cache.resolveSet(cmd.Sequences, cmd.UID)
	var srcSeqs, dstSeqs []imapparser.SeqRange
	var expungedSeqs []uint32

	for _, e := range entries {
		var newUID uint32
		var err error
		if cmd.Name == "MOVE" {
			newUID, err = c.server.Repo.MoveEntry(c.mailbox.ID, e.UID, dst.ID)
		} else {
			newUID, err = c.server.Repo.CopyEntry(c.mailbox.ID, e.UID, dst.ID)
		}
		if err != nil {
			c.logf("%s entry uid=%d: %v", cmd.Name, e.UID, err)
			continue
		}
		srcSeqs = imapparser.AppendSeqRange(srcSeqs, e.UID)
		dstSeqs = imapparser.AppendSeqRange(dstSeqs, newUID)
		if cmd.Name == "MOVE" {
			if seq, ok := c.cache.SeqOfUID(e.UID); ok {
				expungedSeqs = append(expungedSeqs, seq)
			}
		}
	}

	if len(srcSeqs) > 0 {
		c.writef("* OK [COPYUID %d ", dst.UIDValidity)
		imapparser.FormatSeqs(c.bw, srcSeqs)
		c.writef(" ")
		imapparser.FormatSeqs(c.bw, dstSeqs)
		c.writef("]\r\n")
	}
	if cmd.Name == "MOVE" {
		sort.Slice(expungedSeqs, func(i, j int) bool { return expungedSeqs[i] < expungedSeqs[j] })
		for i, seq := range expungedSeqs {
			c.writef("* %d EXPUNGE\r\n", seq-uint32(i))
		}
		c.refreshCache()
	}
	c.respondln("OK %s completed", cmd.Name)
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command
	if c.readOnly {
		c.respondln("NO mailbox is read-only")
		return
	}
	entries := c.cache.resolveSet(cmd.Sequences, cmd.UID)

	for _, e := range entries {
		flags := e.Flags
		switch cmd.Store.Mode {
		case imapparser.StoreReplace:
			flags = store.Flags{}
			for _, f := range cmd.Store.Flags {
				applyFlag(&flags, string(f), true)
			}
		case imapparser.StoreAdd:
			for _, f := range cmd.Store.Flags {
				applyFlag(&flags, string(f), true)
			}
		case imapparser.StoreRemove:
			for _, f := range cmd.Store.Flags {
				applyFlag(&flags, string(f), false)
			}
		}
		if err := c.server.Repo.UpdateFlags(e.ID, flags); err != nil {
			c.logf("STORE entry id=%d: %v", e.ID, err)
			continue
		}
		e.Flags = flags

		if cmd.Store.Silent {
			continue
		}
		seq, _ := c.cache.SeqOfUID(e.UID)
		c.writef("* %d FETCH (FLAGS (%s)", seq, flagList(flags))
		if cmd.UID {
			c.writef(" UID %d", e.UID)
		}
		c.writef(")\r\n")
	}
	c.respondln("OK STORE completed")
}

func flagList(f store.Flags) string {
	var parts []string
	if f.Answered {
		parts = append(parts, `\Answered`)
	}
	if f.Flagged {
		parts = append(parts, `\Flagged`)
	}
	if f.Deleted {
		parts = append(parts, `\Deleted`)
	}
	if f.Seen {
		parts = append(parts, `\Seen`)
	}
	if f.Draft {
		parts = append(parts, `\Draft`)
	}
	return strings.Join(parts, " ")
}

func (c *Conn) cmdIdle() {
	sl, err := c.br.ReadSlice('\n')
	if err != nil {
		return
	}
	if strings.EqualFold(strings.TrimRight(string(sl), "\r\n"), "DONE") {
		c.respondln("OK IDLE terminated")
	} else {
		c.respondln("BAD IDLE terminated: unrecognized response")
	}
}
