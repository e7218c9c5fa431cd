// Package mimeparse implements the MIME Parser component: it parses a
// stored message's raw bytes into headers, an envelope, a body-structure
// tree, and supports extracting arbitrary IMAP FETCH BODY[] sections by
// dotted numeric path.
package mimeparse

import (
	"bytes"
	"net/textproto"
)

// Key is a canonical header field name, stored with the byte case used by
// net/textproto.CanonicalMIMEHeaderKey ("Content-Type", "Message-Id", ...).
// Canonicalizing only the key's casing (not folding/merging values) is the
// one piece of this package built on the standard library rather than a
// pack dependency: it is a pure string-casing utility with no parsing
// behavior of its own, and no third-party library in the retrieval pack
// offers anything narrower. See DESIGN.md.
type Key = string

// entry is one raw header line, preserved in file order so that duplicate
// headers (e.g. multiple Received: lines) round-trip faithfully.
type entry struct {
	key Key
	val []byte
}

// Header is a case-insensitive, order-preserving multimap of header
// fields.
type Header struct {
	entries []entry
}

func CanonicalKey(name string) Key {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a header entry, preserving any existing entries with the
// same key.
func (h *Header) Add(name string, value []byte) {
	h.entries = append(h.entries, entry{CanonicalKey(name), value})
}

// Get returns the first value for name, or nil if absent.
func (h *Header) Get(name string) []byte {
	key := CanonicalKey(name)
	for _, e := range h.entries {
		if e.key == key {
			return e.val
		}
	}
	return nil
}

// Values returns every value stored for name, in file order.
func (h *Header) Values(name string) [][]byte {
	key := CanonicalKey(name)
	var out [][]byte
	for _, e := range h.entries {
		if e.key == key {
			out = append(out, e.val)
		}
	}
	return out
}

// ForEach calls fn for every header entry in file order.
func (h *Header) ForEach(fn func(key Key, val []byte)) {
	for _, e := range h.entries {
		fn(e.key, e.val)
	}
}

// Len reports the number of stored header entries.
func (h *Header) Len() int { return len(h.entries) }

// Encode writes the header section (without the trailing blank line) in
// RFC 5322 form, preserving original folding.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	for _, e := range h.entries {
		buf.WriteString(e.key)
		buf.WriteString(": ")
		buf.Write(e.val)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// parseHeaderBlock splits raw (a full RFC 5322 message, or a MIME part)
// into its header section and the remaining body, folding continuation
// lines (those starting with space or tab) into the preceding header.
func parseHeaderBlock(raw []byte) (Header, []byte) {
	var h Header
	rest := raw
	for len(rest) > 0 {
		// A blank line (CRLF, LF, or end of input) terminates the headers.
		if rest[0] == '\n' {
			rest = rest[1:]
			break
		}
		if len(rest) >= 2 && rest[0] == '\r' && rest[1] == '\n' {
			rest = rest[2:]
			break
		}

		lineEnd := bytes.IndexByte(rest, '\n')
		if lineEnd == -1 {
			lineEnd = len(rest)
		} else {
			lineEnd++
		}
		line := rest[:lineEnd]
		rest = rest[lineEnd:]

		// Fold continuation lines into this header.
		for len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t') {
			contEnd := bytes.IndexByte(rest, '\n')
			if contEnd == -1 {
				contEnd = len(rest)
			} else {
				contEnd++
			}
			line = append(line, rest[:contEnd]...)
			rest = rest[contEnd:]
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		colon := bytes.IndexByte(trimmed, ':')
		if colon == -1 {
			continue // malformed header line; skip rather than fail the parse
		}
		name := string(bytes.TrimSpace(trimmed[:colon]))
		val := bytes.TrimSpace(trimmed[colon+1:])
		h.Add(name, append([]byte(nil), val...))
	}
	return h, rest
}

// filterFields returns a Header containing only the named fields (for
// HEADER.FIELDS), or every field except the named ones (for
// HEADER.FIELDS.NOT), preserving original order and folding.
func filterFields(h Header, names []string, exclude bool) Header {
	want := make(map[Key]bool, len(names))
	for _, n := range names {
		want[CanonicalKey(n)] = true
	}
	var out Header
	h.ForEach(func(key Key, val []byte) {
		if want[key] != exclude {
			out.Add(key, val)
		}
	})
	return out
}
