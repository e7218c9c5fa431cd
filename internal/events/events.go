// Package events defines the optional metrics event sink the engines
// report to: SMTP mail-received/auth-failure events and their IMAP
// equivalents, collected into one typed sink shared by both engines and
// backed by logrus so a deployment can route it to whatever logrus
// already feeds.
package events

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Kind identifies the event being reported.
type Kind int

const (
	SMTPMailReceived Kind = iota
	SMTPAuthFailure
	SMTPRelayDenied
	IMAPLoginSuccess
	IMAPLoginFailure
	IMAPMailboxSelected
	IMAPAppend
	IMAPExpunge
)

func (k Kind) String() string {
	switch k {
	case SMTPMailReceived:
		return "smtp_mail_received"
	case SMTPAuthFailure:
		return "smtp_auth_failure"
	case SMTPRelayDenied:
		return "smtp_relay_denied"
	case IMAPLoginSuccess:
		return "imap_login_success"
	case IMAPLoginFailure:
		return "imap_login_failure"
	case IMAPMailboxSelected:
		return "imap_mailbox_selected"
	case IMAPAppend:
		return "imap_append"
	case IMAPExpunge:
		return "imap_expunge"
	default:
		return "unknown"
	}
}

// Event is one occurrence reported to a Sink.
type Event struct {
	Kind       Kind
	SessionID  string
	RemoteAddr net.Addr
	User       string
	Detail     string
	Err        error
}

// Sink receives events from the SMTP and IMAP engines. A nil Sink is
// never passed to the engines directly; Discard stands in for "no
// metrics wanted" so call sites never need a nil check.
type Sink interface {
	Report(Event)
}

// Discard implements Sink by dropping every event.
type Discard struct{}

func (Discard) Report(Event) {}

// LogrusSink reports every event as a structured logrus entry, one
// field per non-empty Event field.
type LogrusSink struct {
	Log *logrus.Logger
}

func NewLogrusSink(log *logrus.Logger) *LogrusSink {
	return &LogrusSink{Log: log}
}

func (s *LogrusSink) Report(ev Event) {
	fields := logrus.Fields{"event": ev.Kind.String()}
	if ev.SessionID != "" {
		fields["session_id"] = ev.SessionID
	}
	if ev.RemoteAddr != nil {
		fields["remote_addr"] = ev.RemoteAddr.String()
	}
	if ev.User != "" {
		fields["user"] = ev.User
	}
	if ev.Detail != "" {
		fields["detail"] = ev.Detail
	}
	entry := s.Log.WithFields(fields)
	if ev.Err != nil {
		entry.WithError(ev.Err).Warn(ev.Kind.String())
		return
	}
	entry.Info(ev.Kind.String())
}
