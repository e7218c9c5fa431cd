package imapserver

// capabilityBase is advertised regardless of TLS state; STARTTLS is
// appended only while the connection is still plaintext. The
// capability string is a pure function of that one bit of state,
// recomputed per connection rather than cached at startup.
const capabilityBase = "IMAP4rev1 AUTH=PLAIN AUTH=LOGIN IDLE MOVE UNSELECT " +
	"UIDPLUS SPECIAL-USE NAMESPACE CHILDREN ID ENABLE LITERAL+"

// capabilityString computes the CAPABILITY string for the connection's
// current TLS state.
func capabilityString(tlsActive bool) string {
	if tlsActive {
		return capabilityBase
	}
	return capabilityBase + " STARTTLS"
}
