// Package blobstore provides the spooling layer shared by both protocol
// engines while a message is in flight: SMTP DATA and IMAP APPEND/literal
// payloads are written to a crawshaw.io/iox.Filer-backed buffer file
// rather than held in memory.
//
// Once a spooled message is complete it is committed through
// store.Repository (AppendToMailbox / ProcessIncoming), which is
// responsible for the message's durable resting place; blobstore only
// owns the transient window between "bytes are arriving on the wire" and
// "the repository has accepted them".
package blobstore

import (
	"context"
	"io"

	"crawshaw.io/iox"
)

// Spool owns the iox.Filer used to stage in-flight message bodies. A
// single Spool is shared by a server's listeners; each connection asks
// it for its own BufferFile per message.
type Spool struct {
	filer *iox.Filer
}

// New creates a Spool. tmpDir may be empty, in which case iox.Filer
// falls back to its own default (os.TempDir).
func New(tmpDir string) *Spool {
	filer := iox.NewFiler(0)
	if tmpDir != "" {
		filer.SetTempdir(tmpDir)
	}
	return &Spool{filer: filer}
}

// Filer exposes the underlying iox.Filer for components (the line/literal
// framer, in particular) that need to create their own BufferFiles.
func (s *Spool) Filer() *iox.Filer { return s.filer }

// Stage copies r into a fresh spooled buffer file and seeks it back to
// the start, ready for a repository Append call to read from.
func (s *Spool) Stage(r io.Reader) (*iox.BufferFile, error) {
	buf := s.filer.BufferFile(0)
	if _, err := io.Copy(buf, r); err != nil {
		buf.Close()
		return nil, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

// ReadAll drains a spooled buffer file to bytes and closes it. Used at
// the point a message is small enough, or the moment has come, to hand
// the repository a plain []byte (sqlitestore and memstore both take raw
// bytes, not a stream, since a message is rewritten at most once after
// receipt — this avoids forcing every store backend to deal with
// iox.BufferFile lifetimes).
func ReadAll(buf *iox.BufferFile) ([]byte, error) {
	defer buf.Close()
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(buf)
}

// Close releases all buffer files created through this Spool's Filer.
func (s *Spool) Close(ctx context.Context) error {
	return s.filer.Shutdown(ctx)
}
