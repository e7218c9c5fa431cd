// Package tlsaccept is the shared TLS acceptor used by both the SMTP and
// IMAP listeners: one type with three listener personalities (plain,
// implicit TLS, and dual-mode first-byte auto-detection) so each engine
// can wrap a net.Listener in whatever TLS behavior its port needs
// without reimplementing the handshake plumbing.
package tlsaccept

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
)

// Personality selects how a Listener treats newly accepted connections.
type Personality int

const (
	// Plain never wraps connections in TLS on accept; STARTTLS (or the
	// IMAP equivalent) is the only way to upgrade, via UpgradeServerConn.
	Plain Personality = iota
	// Implicit wraps every accepted connection in TLS immediately, the
	// way SMTPS/IMAPS ports have always worked.
	Implicit
	// Auto sniffs the first byte of the connection before deciding:
	// a TLS ClientHello record starts with 0x16 0x03, anything else is
	// treated as a plaintext client issuing STARTTLS. This lets one
	// port serve both personalities, per the submission-port redesign.
	Auto
)

// tlsRecordType and tlsMajorVersion are the first two bytes of every TLS
// record; a ClientHello is the handshake content type (0x16) followed by
// a TLS 1.x major version byte (0x03).
const (
	tlsRecordTypeHandshake = 0x16
	tlsMajorVersion        = 0x03
)

// Event is reported to an optional observer each time Accept classifies
// a connection, for logging/metrics.
type Event int

const (
	EventPlaintext Event = iota
	EventTLSEstablished
)

// Listener wraps a net.Listener, applying Personality to each accepted
// connection before handing it to the caller.
type Listener struct {
	net.Listener
	Config     *tls.Config
	Personality Personality
	// OnEvent, if set, is called synchronously from Accept with the
	// classification decision for each connection.
	OnEvent func(remoteAddr string, ev Event)
}

// New wraps ln according to personality. config may be nil only when
// personality is Plain.
func New(ln net.Listener, personality Personality, config *tls.Config) *Listener {
	return &Listener{Listener: ln, Config: config, Personality: personality}
}

// Accept returns the next connection, already TLS-wrapped if the
// personality (or, in Auto mode, the sniffed first bytes) calls for it.
// The returned net.Conn is always safe to read/write immediately; a
// sniffed-but-plaintext Auto connection returns with its first bytes
// preserved via a small buffering wrapper, so nothing is lost to the
// peek.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	switch l.Personality {
	case Implicit:
		l.event(c, EventTLSEstablished)
		return tls.Server(c, l.Config), nil

	case Auto:
		br := bufio.NewReader(c)
		hdr, err := br.Peek(2)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("tlsaccept: sniff: %w", err)
		}
		wrapped := &peekedConn{Conn: c, br: br}
		if hdr[0] == tlsRecordTypeHandshake && hdr[1] == tlsMajorVersion {
			l.event(c, EventTLSEstablished)
			return tls.Server(wrapped, l.Config), nil
		}
		l.event(c, EventPlaintext)
		return wrapped, nil

	default: // Plain
		l.event(c, EventPlaintext)
		return c, nil
	}
}

func (l *Listener) event(c net.Conn, ev Event) {
	if l.OnEvent != nil {
		l.OnEvent(c.RemoteAddr().String(), ev)
	}
}

// UpgradeServerConn performs an explicit STARTTLS-style upgrade of a
// plaintext connection already in the caller's hands, for use from a
// command handler that has just sent its positive STARTTLS response.
func UpgradeServerConn(c net.Conn, config *tls.Config) *tls.Conn {
	return tls.Server(c, config)
}

// peekedConn lets Auto-mode sniffing read ahead without losing bytes:
// reads are satisfied from the buffered reader first.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.br.Read(b) }
