// Package framer splits a TCP byte stream into command lines and
// byte-counted literals. Neither the SMTP nor the IMAP engine imports
// it; both read their connections directly.
//
// A Reader operates in two modes. In line mode, ReadLine returns a
// complete line with its terminator stripped. In literal mode, entered
// explicitly by the caller with a byte count, ReadLiteral returns exactly
// that many bytes. Exactly one of ReadLine or ReadLiteral should be called
// at a time, between which the caller is free to switch modes (this is
// what lets IMAP interleave a {N} literal inside an otherwise line-based
// command).
package framer

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"crawshaw.io/iox"
)

// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineLength
// before a terminator is found. The connection must be closed: there is no
// way to resynchronize with the client's framing.
var ErrLineTooLong = errors.New("framer: line exceeds maximum length")

// ErrLiteralTooLarge is returned by ReadLiteral when the requested byte
// count exceeds the configured maximum.
var ErrLiteralTooLarge = errors.New("framer: literal exceeds maximum size")

// DefaultMaxLineLength is used when Reader.MaxLineLength is zero.
const DefaultMaxLineLength = 65536

// Reader frames a byte stream into lines and literals.
type Reader struct {
	// MaxLineLength bounds ReadLine; zero means DefaultMaxLineLength.
	MaxLineLength int
	// MaxLiteralSize bounds ReadLiteral; zero means no limit.
	MaxLiteralSize int64

	br *bufio.Reader
}

// NewReader wraps r for framed reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// SetSource redirects subsequent reads to r, preserving configuration.
// Used after a STARTTLS/COMPRESS upgrade swaps the underlying net.Conn.
func (fr *Reader) SetSource(r io.Reader) {
	fr.br.Reset(r)
}

// Peek blocks until at least one byte is available, without consuming it.
// Callers use this to detect an idle connection boundary before parsing
// the next command.
func (fr *Reader) Peek() error {
	_, err := fr.br.Peek(1)
	return err
}

func (fr *Reader) maxLine() int {
	if fr.MaxLineLength <= 0 {
		return DefaultMaxLineLength
	}
	return fr.MaxLineLength
}

// ReadLine reads a single line terminated by '\n' with an optional
// preceding '\r', both of which are stripped. It does not validate UTF-8;
// callers that need valid UTF-8 text should check themselves, since IMAP
// literals may carry arbitrary binary data through otherwise line-shaped
// commands.
func (fr *Reader) ReadLine() ([]byte, error) {
	var line []byte
	limit := fr.maxLine()
	for {
		chunk, isPrefix, err := fr.br.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == nil && !isPrefix {
			line = chunk
		} else {
			line = append(line, chunk...)
		}
		if len(line) > limit {
			// Drain the remainder of the oversize line so the connection
			// could in principle resynchronize, though callers are
			// expected to close it regardless.
			for isPrefix {
				_, isPrefix, err = fr.br.ReadLine()
				if err != nil {
					break
				}
			}
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// ReadLiteral reads exactly n bytes into a spooled buffer, then consumes
// at most one trailing CR and one trailing LF before returning to line
// mode. The returned BufferFile is owned by the caller, which must Close
// it. Cancellation (the caller discarding the error return without
// reading it) releases no resources itself — callers that abandon a
// literal mid-read must Close the buffer they allocated.
func (fr *Reader) ReadLiteral(filer *iox.Filer, n int64) (*iox.BufferFile, error) {
	if fr.MaxLiteralSize > 0 && n > fr.MaxLiteralSize {
		return nil, ErrLiteralTooLarge
	}
	buf := filer.BufferFile(0)
	if _, err := io.CopyN(buf, fr.br, n); err != nil {
		buf.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("framer: truncated literal: %w", err)
		}
		return nil, err
	}
	if b, err := fr.br.Peek(1); err == nil && b[0] == '\r' {
		fr.br.Discard(1)
	}
	if b, err := fr.br.Peek(1); err == nil && b[0] == '\n' {
		fr.br.Discard(1)
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}
