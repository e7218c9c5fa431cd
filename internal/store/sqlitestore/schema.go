package sqlitestore

// createSQL defines the tables backing store.Repository, one table per
// data-model entity: plain CREATE TABLE statements run once at Open,
// WAL journal mode for concurrent readers.
const createSQL = `
CREATE TABLE IF NOT EXISTS Users (
	Email        TEXT PRIMARY KEY,
	PasswordHash TEXT NOT NULL,
	Active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxID   INTEGER PRIMARY KEY,
	Owner       TEXT NOT NULL,
	Name        TEXT NOT NULL,
	Path        TEXT NOT NULL,
	NextUID     INTEGER NOT NULL DEFAULT 1,
	UIDValidity INTEGER NOT NULL,
	MailCount   INTEGER NOT NULL DEFAULT 0,
	TotalSize   INTEGER NOT NULL DEFAULT 0,
	UNIQUE(Owner, Path)
);

CREATE TABLE IF NOT EXISTS Messages (
	MessageID        TEXT PRIMARY KEY,
	Subject          TEXT,
	Sender           TEXT,
	SendDate         INTEGER,
	PrimaryRecipient TEXT,
	BlobPath         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Recipients (
	MessageID TEXT NOT NULL,
	Email     TEXT NOT NULL,
	UNIQUE(MessageID, Email)
);

CREATE TABLE IF NOT EXISTS MailEntries (
	EntryID     INTEGER PRIMARY KEY,
	MessageID   TEXT NOT NULL,
	MailboxID   INTEGER NOT NULL,
	UID         INTEGER NOT NULL,
	ReceiveDate INTEGER NOT NULL,
	Seen        INTEGER NOT NULL DEFAULT 0,
	Flagged     INTEGER NOT NULL DEFAULT 0,
	Answered    INTEGER NOT NULL DEFAULT 0,
	Deleted     INTEGER NOT NULL DEFAULT 0,
	Draft       INTEGER NOT NULL DEFAULT 0,
	Size        INTEGER NOT NULL DEFAULT 0,
	UNIQUE(MailboxID, UID)
);
CREATE INDEX IF NOT EXISTS MailEntriesByMailbox ON MailEntries(MailboxID, UID);
`
