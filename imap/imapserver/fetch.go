package imapserver

import (
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"mailcore.dev/maild/imap/imapparser"
	"mailcore.dev/maild/internal/mimeparse"
	"mailcore.dev/maild/internal/store"
)

// cmdFetch implements FETCH/UID FETCH: resolve the sequence set against
// the session cache, expand the ALL/FAST/FULL macros, then write one
// untagged response per matched entry. Section extraction is delegated
// to internal/mimeparse; this file is responsible for the RFC 3501 wire
// format (ENVELOPE tuples, BODYSTRUCTURE nesting).
func (c *Conn) cmdFetch() {
	cmd := &c.p.Command
	entries := c.cache.resolveSet(cmd.Sequences, cmd.UID)
	items := expandFetchItems(cmd.FetchItems)

	for _, e := range entries {
		seq, ok := c.cache.SeqOfUID(e.UID)
		if !ok {
			continue
		}
		c.writeFetchResponse(seq, e, items)
	}
	c.respondln("OK FETCH completed")
}

func expandFetchItems(items []imapparser.FetchItem) []imapparser.FetchItem {
	var out []imapparser.FetchItem
	for _, it := range items {
		switch it.Type {
		case imapparser.FetchAll:
			out = append(out,
				imapparser.FetchItem{Type: imapparser.FetchFlags},
				imapparser.FetchItem{Type: imapparser.FetchInternalDate},
				imapparser.FetchItem{Type: imapparser.FetchRFC822Size},
				imapparser.FetchItem{Type: imapparser.FetchEnvelope})
		case imapparser.FetchFast:
			out = append(out,
				imapparser.FetchItem{Type: imapparser.FetchFlags},
				imapparser.FetchItem{Type: imapparser.FetchInternalDate},
				imapparser.FetchItem{Type: imapparser.FetchRFC822Size})
		case imapparser.FetchFull:
			out = append(out,
				imapparser.FetchItem{Type: imapparser.FetchFlags},
				imapparser.FetchItem{Type: imapparser.FetchInternalDate},
				imapparser.FetchItem{Type: imapparser.FetchRFC822Size},
				imapparser.FetchItem{Type: imapparser.FetchEnvelope},
				imapparser.FetchItem{Type: imapparser.FetchBodyStructure})
		default:
			out = append(out, it)
		}
	}
	return out
}

// writeFetchResponse writes "* <seq> FETCH (...)\r\n" for one entry.
// Loading the message body is deferred until an item actually needs it,
// so FLAGS/UID/INTERNALDATE-only fetches (the common IMAP client poll)
// never touch blob storage.
func (c *Conn) writeFetchResponse(seq uint32, e *store.MailEntry, items []imapparser.FetchItem) {
	var msg *mimeparse.Message
	var raw []byte
	loadMsg := func() *mimeparse.Message {
		if msg == nil {
			var err error
			raw, err = c.server.Repo.LoadBlob(e.MessageID)
			if err != nil {
				c.logf("FETCH load blob %s: %v", e.MessageID, err)
				raw = nil
			}
			msg = mimeparse.Parse(raw)
		}
		return msg
	}

	c.writef("* %d FETCH (", seq)
	needSeen := false

	for i, item := range items {
		if i > 0 {
			c.writef(" ")
		}
		switch item.Type {
		case imapparser.FetchUID:
			c.writef("UID %d", e.UID)
		case imapparser.FetchFlags:
			c.writef("FLAGS (%s)", flagList(e.Flags))
		case imapparser.FetchInternalDate:
			c.writef("INTERNALDATE %q", e.ReceiveDate.Format("02-Jan-2006 15:04:05 -0700"))
		case imapparser.FetchRFC822Size:
			c.writef("RFC822.SIZE %d", e.Size)
		case imapparser.FetchEnvelope:
			c.writef("ENVELOPE ")
			c.writeEnvelope(loadMsg())
		case imapparser.FetchBodyStructure:
			c.writef("BODYSTRUCTURE ")
			c.writeBodyStructure(loadMsg().Root)
		case imapparser.FetchRFC822:
			c.writef("RFC822 ")
			c.writeLiteral(newByteReader(loadMsg().Root.FullSection()), int64(len(loadMsg().Root.FullSection())))
			needSeen = true
		case imapparser.FetchRFC822Header:
			sec := loadMsg().Root.HeaderSection()
			c.writef("RFC822.HEADER ")
			c.writeLiteral(newByteReader(sec), int64(len(sec)))
		case imapparser.FetchRFC822Text:
			sec := loadMsg().Root.BodySection()
			c.writef("RFC822.TEXT ")
			c.writeLiteral(newByteReader(sec), int64(len(sec)))
			needSeen = true
		case imapparser.FetchBody:
			c.writeBodySection(loadMsg(), item, &needSeen)
		}
	}
	c.writef(")\r\n")

	if needSeen && !e.Flags.Seen {
		e.Flags.Seen = true
		if err := c.server.Repo.UpdateFlags(e.ID, e.Flags); err != nil {
			c.logf("FETCH mark \\Seen entry id=%d: %v", e.ID, err)
		}
	}
}

func newByteReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// writeBodySection writes one BODY[<section>] (or BODY.PEEK[<section>])
// response. Section forms: "", n[.n]*, HEADER, HEADER.FIELDS (names),
// HEADER.FIELDS.NOT (names), TEXT, MIME.
func (c *Conn) writeBodySection(msg *mimeparse.Message, item imapparser.FetchItem, needSeen *bool) {
	path := make([]int, len(item.Section.Path))
	for i, p := range item.Section.Path {
		path[i] = int(p)
	}
	part := msg.FindPath(path)

	label := "BODY["
	var content []byte

	switch {
	case part == nil:
		label += sectionLabel(item.Section) + "]"
		content = nil
	case item.Section.Name == "HEADER":
		label += sectionLabel(item.Section) + "]"
		content = part.HeaderSection()
	case item.Section.Name == "HEADER.FIELDS":
		label += sectionLabel(item.Section) + "]"
		content = part.HeaderFields(headerNames(item.Section.Headers), false)
	case item.Section.Name == "HEADER.FIELDS.NOT":
		label += sectionLabel(item.Section) + "]"
		content = part.HeaderFields(headerNames(item.Section.Headers), true)
	case item.Section.Name == "TEXT":
		label += sectionLabel(item.Section) + "]"
		content = part.BodySection()
		*needSeen = *needSeen || !item.Peek
	case item.Section.Name == "MIME":
		label += sectionLabel(item.Section) + "]"
		content = part.MIMESection()
	default:
		label += sectionLabel(item.Section) + "]"
		content = part.FullSection()
		*needSeen = *needSeen || !item.Peek
	}

	if item.HasPartial {
		start := int(item.Partial.Start)
		if start > len(content) {
			start = len(content)
		}
		end := start + int(item.Partial.Length)
		if end > len(content) {
			end = len(content)
		}
		content = content[start:]
		if end >= start {
			content = content[:end-start]
		}
		label += fmt.Sprintf("<%d>", item.Partial.Start)
	}

	c.writef("%s ", label)
	c.writeLiteral(newByteReader(content), int64(len(content)))
}

func sectionLabel(sec imapparser.FetchItemSection) string {
	var buf strings.Builder
	for i, p := range sec.Path {
		if i > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(strconv.Itoa(int(p)))
	}
	if sec.Name != "" {
		if buf.Len() > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(sec.Name)
	}
	if sec.Name == "HEADER.FIELDS" || sec.Name == "HEADER.FIELDS.NOT" {
		buf.WriteString(" (")
		buf.WriteString(strings.Join(headerNames(sec.Headers), " "))
		buf.WriteString(")")
	}
	return buf.String()
}

func headerNames(raw [][]byte) []string {
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// writeEnvelope writes the 10-element ENVELOPE tuple: date, subject,
// from, sender, reply-to, to, cc, bcc, in-reply-to, message-id.
func (c *Conn) writeEnvelope(msg *mimeparse.Message) {
	h := &msg.Header
	c.writef("(")
	c.writeNString(string(h.Get("Date")))
	c.writef(" ")
	c.writeNString(string(h.Get("Subject")))
	c.writef(" ")

	from := h.Get("From")
	sender := h.Get("Sender")
	if len(sender) == 0 {
		sender = from
	}
	replyTo := h.Get("Reply-To")
	if len(replyTo) == 0 {
		replyTo = from
	}

	c.writeAddresses(from)
	c.writef(" ")
	c.writeAddresses(sender)
	c.writef(" ")
	c.writeAddresses(replyTo)
	c.writef(" ")
	c.writeAddresses(h.Get("To"))
	c.writef(" ")
	c.writeAddresses(h.Get("Cc"))
	c.writef(" ")
	c.writeAddresses(h.Get("Bcc"))
	c.writef(" ")
	c.writeNString(string(h.Get("In-Reply-To")))
	c.writef(" ")
	c.writeNString(string(h.Get("Message-Id")))
	c.writef(")")
}

// writeNString writes s as a quoted string, or NIL if empty.
func (c *Conn) writeNString(s string) {
	if s == "" {
		c.writef("NIL")
		return
	}
	for _, r := range s {
		if !('A' <= r && r <= 'Z' || 'a' <= r && r <= 'z' || '0' <= r && r <= '9' ||
			r == '-' || r == '_' || r == '.') {
			c.writeString(s)
			return
		}
	}
	c.writef(`"%s"`, s)
}

// writeAddresses writes an address list as "(addr addr ...)", or NIL if
// addrBytes is empty or fails to parse.
func (c *Conn) writeAddresses(addrBytes []byte) {
	if len(addrBytes) == 0 {
		c.writef("NIL")
		return
	}
	addrs, err := mail.ParseAddressList(string(addrBytes))
	if err != nil || len(addrs) == 0 {
		c.writef("NIL")
		return
	}
	c.writef("(")
	for i, a := range addrs {
		if i > 0 {
			c.writef(" ")
		}
		mailbox, host := a.Address, ""
		if at := strings.LastIndexByte(a.Address, '@'); at >= 0 {
			mailbox, host = a.Address[:at], a.Address[at+1:]
		}
		c.writef("(")
		c.writeNString(a.Name)
		c.writef(" NIL ")
		c.writeNString(mailbox)
		c.writef(" ")
		c.writeNString(host)
		c.writef(")")
	}
	c.writef(")")
}

// writeBodyStructure recursively writes the RFC 3501 BODYSTRUCTURE
// nesting for part, reading part fields straight off
// internal/mimeparse.Part.
func (c *Conn) writeBodyStructure(part *mimeparse.Part) {
	c.writef("(")
	if part.Type == "multipart" {
		for _, child := range part.Children {
			c.writeBodyStructure(child)
		}
		c.writef(" ")
		c.writeNString(strings.ToUpper(part.Subtype))
		c.writef(" ")
		c.writeParams(part.Params)
		c.writef(" NIL NIL NIL")
		c.writef(")")
		return
	}

	c.writeNString(strings.ToUpper(part.Type))
	c.writef(" ")
	c.writeNString(strings.ToUpper(part.Subtype))
	c.writef(" ")
	c.writeParams(part.Params)
	c.writef(" ")
	c.writeNString(part.ContentID)
	c.writef(" NIL ")
	c.writeNString(strings.ToUpper(part.Encoding))
	c.writef(" %d", part.Size)
	if part.Type == "text" {
		c.writef(" %d", part.Lines)
	}
	c.writef(")")
}

func (c *Conn) writeParams(params map[string]string) {
	if len(params) == 0 {
		c.writef("NIL")
		return
	}
	c.writef("(")
	first := true
	for k, v := range params {
		if !first {
			c.writef(" ")
		}
		first = false
		c.writeString(strings.ToUpper(k))
		c.writef(" ")
		c.writeString(v)
	}
	c.writef(")")
}

// cmdSearch implements SEARCH/UID SEARCH: resolve the leading
// sequence/UID set against the session cache, then evaluate
// imapparser's Matcher against each candidate through a small adapter
// (matchEntry) backed by the parsed message and store.MailEntry.
func (c *Conn) cmdSearch() {
	cmd := &c.p.Command
	matcher := imapparser.NewMatcher(cmd.Search.Op)

	var results []uint32
	for _, e := range c.cache.entries {
		seq, _ := c.cache.SeqOfUID(e.UID)
		me := &matchEntry{conn: c, entry: e, seq: seq}
		if matcher.Match(me) {
			if cmd.UID {
				results = append(results, e.UID)
			} else {
				results = append(results, seq)
			}
		}
	}

	if len(cmd.Search.Return) > 0 {
		c.writeESearchResponse(results, cmd.Search.Return)
	} else {
		c.writef("* SEARCH")
		for _, id := range results {
			c.writef(" %d", id)
		}
		c.writef("\r\n")
	}
	c.respondln("OK SEARCH completed")
}

// writeESearchResponse implements the RFC 4731 ESEARCH return options
// (MIN, MAX, COUNT, ALL), giving clients that request it counts/bounds
// instead of a full id list.
func (c *Conn) writeESearchResponse(results []uint32, ret []string) {
	c.writef("* ESEARCH")
	for _, opt := range ret {
		switch strings.ToUpper(opt) {
		case "MIN":
			if len(results) > 0 {
				c.writef(" MIN %d", minUint32(results))
			}
		case "MAX":
			if len(results) > 0 {
				c.writef(" MAX %d", maxUint32(results))
			}
		case "COUNT":
			c.writef(" COUNT %d", len(results))
		case "ALL":
			if len(results) > 0 {
				var seqs []imapparser.SeqRange
				for _, id := range results {
					seqs = imapparser.AppendSeqRange(seqs, id)
				}
				c.writef(" ALL ")
				imapparser.FormatSeqs(c.bw, seqs)
			}
		}
	}
	c.writef("\r\n")
}

func minUint32(v []uint32) uint32 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxUint32(v []uint32) uint32 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// matchEntry adapts a store.MailEntry to imapparser.MatchMessage,
// loading and parsing the underlying blob lazily: most SEARCH criteria
// (flags, sequence/UID, date, size) never need the body at all.
type matchEntry struct {
	conn  *Conn
	entry *store.MailEntry
	seq   uint32

	loaded bool
	raw    []byte
	msg    *mimeparse.Message
}

func (m *matchEntry) SeqNum() uint32 { return m.seq }
func (m *matchEntry) UID() uint32    { return m.entry.UID }

func (m *matchEntry) Flag(name string) bool {
	switch name {
	case `\Seen`:
		return m.entry.Flags.Seen
	case `\Flagged`:
		return m.entry.Flags.Flagged
	case `\Answered`:
		return m.entry.Flags.Answered
	case `\Deleted`:
		return m.entry.Flags.Deleted
	case `\Draft`:
		return m.entry.Flags.Draft
	}
	return false
}

func (m *matchEntry) Date() time.Time    { return m.entry.ReceiveDate }
func (m *matchEntry) RFC822Size() int64  { return m.entry.Size }

func (m *matchEntry) ensureLoaded() {
	if m.loaded {
		return
	}
	m.loaded = true
	raw, err := m.conn.server.Repo.LoadBlob(m.entry.MessageID)
	if err != nil {
		m.conn.logf("SEARCH load blob %s: %v", m.entry.MessageID, err)
		return
	}
	m.raw = raw
	m.msg = mimeparse.Parse(raw)
}

func (m *matchEntry) Header(name string) string {
	m.ensureLoaded()
	if m.msg == nil {
		return ""
	}
	return string(m.msg.Header.Get(name))
}

func (m *matchEntry) BodyContains(s string) bool {
	m.ensureLoaded()
	if m.raw == nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(m.raw)), strings.ToLower(s))
}
