package mimeparse

import (
	"bufio"
	"bytes"
	"mime"
	"strings"
)

// Part is one node of a parsed MIME tree.
type Part struct {
	Header Header
	Type   string // e.g. "text", "multipart"
	Subtype string // e.g. "plain", "mixed"
	Params map[string]string
	Encoding string // Content-Transfer-Encoding, lowercased; "7bit" if absent
	ContentID string

	raw     []byte // this part's own bytes, header section included
	bodyOff int    // offset into raw where the part's body begins

	Size  int64 // byte size of the body as stored (transfer-encoded bytes; nothing is decoded)
	Lines int64 // line count, only meaningful for "text" parts

	Children []*Part
}

// Message is a fully parsed MIME message.
type Message struct {
	Header Header
	Root   *Part
	raw    []byte
}

// Parse builds a Message from raw RFC 5322 bytes. A malformed nested
// part never fails the whole parse: section extraction for a broken
// part degrades to an empty literal rather than erroring the FETCH that
// asked for it, so the parser is deliberately permissive, isolating
// failures to the smallest subtree it can.
func Parse(raw []byte) *Message {
	hdr, body := parseHeaderBlock(raw)
	root := parsePart(hdr, raw, len(raw)-len(body))
	return &Message{Header: hdr, Root: root, raw: raw}
}

func parsePart(hdr Header, raw []byte, bodyOff int) *Part {
	p := &Part{Header: hdr, raw: raw, bodyOff: bodyOff, Type: "text", Subtype: "plain", Encoding: "7bit"}

	if ct := hdr.Get("Content-Type"); len(ct) > 0 {
		if mt, params, err := mime.ParseMediaType(string(ct)); err == nil {
			if i := strings.IndexByte(mt, '/'); i >= 0 {
				p.Type, p.Subtype = mt[:i], mt[i+1:]
			} else {
				p.Type = mt
			}
			p.Params = params
		}
	}
	if cte := hdr.Get("Content-Transfer-Encoding"); len(cte) > 0 {
		p.Encoding = strings.ToLower(strings.TrimSpace(string(cte)))
	}
	if cid := hdr.Get("Content-ID"); len(cid) > 0 {
		p.ContentID = strings.Trim(string(cid), "<>")
	}

	body := raw[bodyOff:]

	if p.Type == "multipart" {
		boundary := p.Params["boundary"]
		if boundary == "" {
			// Can't find children; treat as an opaque leaf rather than
			// failing the whole message.
			p.Size = int64(len(body))
			return p
		}
		for _, chunk := range splitMultipart(body, boundary) {
			childHdr, childBody := parseHeaderBlock(chunk)
			childOff := len(chunk) - len(childBody)
			p.Children = append(p.Children, parsePart(childHdr, chunk, childOff))
		}
		return p
	}

	p.Size = int64(len(body))
	if p.Type == "text" {
		p.Lines = countLines(body)
	}
	return p
}

// splitMultipart splits body on the RFC 2046 boundary, returning the raw
// bytes (header section included) of each part between the delimiters.
// It tolerates a missing closing delimiter (returns what it has) rather
// than failing outright.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var parts [][]byte

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur bytes.Buffer
	inPart := false
	for sc.Scan() {
		line := sc.Bytes()
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, delim) {
			rest := trimmed[len(delim):]
			isClose := bytes.HasPrefix(rest, []byte("--"))
			if inPart {
				parts = append(parts, cur.Bytes())
			}
			cur = bytes.Buffer{}
			inPart = !isClose
			continue
		}
		if inPart {
			cur.Write(line)
			cur.WriteByte('\n')
		}
	}
	if inPart && cur.Len() > 0 {
		parts = append(parts, cur.Bytes())
	}
	return parts
}

func countLines(body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	n := int64(bytes.Count(body, []byte("\n")))
	if body[len(body)-1] != '\n' {
		n++
	}
	return n
}

// FindPath walks a dotted section path (1-based at each level): for a
// non-multipart message section "1" addresses the message itself; for
// multipart, section "n" is the n-th child.
func (m *Message) FindPath(path []int) *Part {
	node := m.Root
	if len(path) == 0 {
		return node
	}
	if len(path) == 1 && path[0] == 1 && len(node.Children) == 0 {
		return node
	}
	for _, n := range path {
		if n < 1 || n > len(node.Children) {
			return nil
		}
		node = node.Children[n-1]
	}
	return node
}

// HeaderSection returns the bytes of the header section up to and
// including the blank line, for BODY[HEADER].
func (p *Part) HeaderSection() []byte {
	return append(p.Header.Encode(), '\r', '\n')
}

// BodySection returns the bytes after the header, for BODY[TEXT].
func (p *Part) BodySection() []byte {
	return p.raw[p.bodyOff:]
}

// FullSection returns the part's complete bytes (header and body), for
// BODY[n] / BODY[].
func (p *Part) FullSection() []byte {
	return p.raw
}

// MIMESection returns the MIME part header (BODY[n.MIME]): the headers
// the part carries inside a multipart envelope. For the top-level message
// this is the same as HeaderSection.
func (p *Part) MIMESection() []byte {
	return p.HeaderSection()
}

// HeaderFields returns the subset of header fields named, preserving
// their original order and folding, for BODY[HEADER.FIELDS (...)].
func (p *Part) HeaderFields(names []string, exclude bool) []byte {
	filtered := filterFields(p.Header, names, exclude)
	return append(filtered.Encode(), '\r', '\n')
}
