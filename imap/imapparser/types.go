// Package imapparser implements an IMAP4rev1 command parser (RFC 3501),
// plus the handful of extensions the engine advertises: RFC 2177 IDLE,
// RFC 2971 ID, RFC 4315 UIDPLUS, RFC 4731 ESEARCH, RFC 5258
// LIST-EXTENDED.
//
// The Scanner does its own framing: it reads command lines and
// {N}-literals directly from a bufio.Reader while tokenizing them; the
// mailcore.dev/maild/internal/framer package is not used.
package imapparser

import (
	"time"

	"crawshaw.io/iox"
)

// Command is the parsed form of one client command line (plus any
// literals it carried). Only the fields relevant to Name are populated.
type Command struct {
	Tag  []byte
	Name string

	// UID means the command addresses/reports UIDs instead of sequence
	// numbers. Name is one of: COPY, EXPUNGE, FETCH, MOVE, SEARCH, STORE.
	UID bool

	// Name is one of:
	//	SELECT, EXAMINE, CREATE, SUBSCRIBE, UNSUBSCRIBE, DELETE,
	//	STATUS, APPEND, COPY, MOVE
	Mailbox []byte

	// Name is one of: FETCH, STORE, COPY, MOVE, EXPUNGE (UID EXPUNGE)
	Sequences []SeqRange

	// Name is APPEND
	Literal *iox.BufferFile

	Rename struct { // Name: RENAME
		OldMailbox []byte
		NewMailbox []byte
	}

	Params [][]byte // Name: ENABLE, ID

	Auth struct { // Name: LOGIN, AUTHENTICATE PLAIN
		Username []byte
		Password []byte
	}

	List List // Name is one of: LIST, LSUB

	Status struct { // Name: STATUS
		Items []StatusItem
	}

	Append struct { // Name: APPEND
		Flags [][]byte
		Date  []byte
	}

	FetchItems []FetchItem // Name: FETCH

	Store Store // Name: STORE

	Search Search // Name: SEARCH
}

type List struct {
	ReferenceName []byte
	MailboxGlob   []byte

	// RFC 5258 LIST-EXTENDED fields
	SelectOptions []string // SUBSCRIBED, REMOTE, RECURSIVEMATCH, SPECIAL-USE
	ReturnOptions []string // SUBSCRIBED, CHILDREN, SPECIAL-USE
}

type Store struct {
	Mode   StoreMode
	Silent bool
	Flags  [][]byte
}

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
)

// SeqRange is a normalized IMAP seq-range: Min <= Max, 0 is a
// placeholder for '*'. Min == Max refers to a single value.
type SeqRange struct {
	Min uint32
	Max uint32
}

type FetchItem struct {
	Type    FetchItemType
	Peek    bool             // BODY.PEEK
	Section FetchItemSection // Type is FetchBody
	Partial struct {
		Start  uint32
		Length uint32
	}
	HasPartial bool
}

type FetchItemSection struct {
	Path    []uint16
	Name    string // one of: HEADER, HEADER.FIELDS[.NOT], TEXT, MIME, "" (whole)
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	FetchAll  = FetchItemType("ALL") // macro: FLAGS INTERNALDATE RFC822.SIZE ENVELOPE
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822        = FetchItemType("RFC822") // legacy synonym for BODY[]; always marks \Seen
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
)

type Search struct {
	Op     *SearchOp
	Return []string // MIN, MAX, ALL, COUNT (RFC 4731 ESEARCH)
}

type SearchOp struct {
	// Key is an IMAP search key. Two extra keys are defined beyond RFC
	// 3501: AND (every Children element must match, used to represent
	// the whole search as one SearchOp) and SEQSET (a bare sequence-set).
	Key SearchKey

	// Children is set when Key is one of: AND, OR, NOT. For NOT,
	// len(Children) == 1.
	Children []SearchOp

	// Value is set when Key is one of:
	//	BCC, BODY, CC, FROM, HEADER ("<field-name>: <string>"),
	//	KEYWORD, SUBJECT, TEXT, TO, UNKEYWORD
	Value string

	Num       int64      // Key is LARGER or SMALLER
	Sequences []SeqRange // Key is SEQSET or UID

	Date time.Time // Key is one of: BEFORE, ON, SINCE, SENTBEFORE, SENTON, SENTSINCE
}

type SearchKey string

type Mode int

const (
	ModeNonAuth Mode = iota
	ModeAuth
	ModeSelected
)
