// Package memstore is an in-memory store.Repository, used by the engine
// test suites and the -dev server mode in place of a real database.
package memstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailcore.dev/maild/internal/store"
)

type mailbox struct {
	rec     store.Mailbox
	entries map[uint32]*store.MailEntry // by UID
	nextID  int64
}

type memUser struct {
	user      store.User
	mailboxes map[string]*mailbox // by upper-cased path
	nextMbxID int64
}

// Store is a process-local Repository backed by maps. A single mutex
// guards everything: it is not meant to scale, only to give the engine
// tests (and small deployments) an in-memory rather than sqlite backend.
type Store struct {
	mu sync.Mutex

	localDomains map[string]bool
	trustedIPs   map[string]bool

	users   map[string]*memUser
	nextMID int64

	blobs map[string][]byte // messageID -> raw bytes
}

// New returns an empty Store configured with the given local domains and
// trusted relay IPs.
func New(localDomains, trustedIPs []string) *Store {
	s := &Store{
		localDomains: make(map[string]bool),
		trustedIPs:   make(map[string]bool),
		users:        make(map[string]*memUser),
		blobs:        make(map[string][]byte),
	}
	for _, d := range localDomains {
		s.localDomains[strings.ToLower(d)] = true
	}
	for _, ip := range trustedIPs {
		s.trustedIPs[ip] = true
	}
	return s
}

// AddUser registers a user with a plaintext password, hashed to the
// hex-SHA-256 digest the data model stores.
func (s *Store) AddUser(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256([]byte(password))
	s.users[email] = &memUser{
		user:      store.User{Email: email, PasswordHash: hex.EncodeToString(sum[:]), Active: true},
		mailboxes: make(map[string]*mailbox),
	}
}

func canon(path string) string {
	if strings.EqualFold(path, "INBOX") {
		return "INBOX"
	}
	return path
}

func (s *Store) Authenticate(login, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[login]
	if u == nil || !u.user.Active {
		return false, nil
	}
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:]) == u.user.PasswordHash, nil
}

func (s *Store) UserExists(email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	return ok && u.user.Active, nil
}

func (s *Store) DomainIsLocal(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDomains[strings.ToLower(domain)]
}

func (s *Store) RelayAllowed(remoteIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trustedIPs[remoteIP]
}

func (s *Store) GetMailbox(owner, path string) (*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[owner]
	if u == nil {
		return nil, &store.ErrNotFound{What: "user"}
	}
	mb := u.mailboxes[canon(path)]
	if mb == nil {
		return nil, &store.ErrNotFound{What: "mailbox"}
	}
	rec := mb.rec
	return &rec, nil
}

func (s *Store) ListMailboxes(owner string) ([]*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[owner]
	if u == nil {
		return nil, nil
	}
	var out []*store.Mailbox
	for _, mb := range u.mailboxes {
		rec := mb.rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) ListMailboxesPattern(owner, ref, pattern string) ([]*store.Mailbox, error) {
	all, err := s.ListMailboxes(owner)
	if err != nil {
		return nil, err
	}
	glob := globToRegexp(ref + pattern)
	var out []*store.Mailbox
	for _, mb := range all {
		if glob.MatchString(mb.Path) {
			out = append(out, mb)
		}
	}
	return out, nil
}

func (s *Store) CreateMailbox(owner, name, path string) (*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[owner]
	if u == nil {
		return nil, &store.ErrNotFound{What: "user"}
	}
	key := canon(path)
	if _, exists := u.mailboxes[key]; exists {
		return nil, fmt.Errorf("memstore: mailbox %q already exists", path)
	}
	u.nextMbxID++
	mb := &mailbox{
		rec: store.Mailbox{
			ID:          u.nextMbxID,
			Owner:       owner,
			Name:        name,
			Path:        key,
			NextUID:     1,
			UIDValidity: uint32(time.Now().Unix()),
		},
		entries: make(map[uint32]*store.MailEntry),
	}
	u.mailboxes[key] = mb
	rec := mb.rec
	return &rec, nil
}

func (s *Store) RenameMailbox(owner, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[owner]
	if u == nil {
		return &store.ErrNotFound{What: "user"}
	}
	mb := u.mailboxes[canon(oldPath)]
	if mb == nil {
		return &store.ErrNotFound{What: "mailbox"}
	}
	delete(u.mailboxes, canon(oldPath))
	mb.rec.Path = canon(newPath)
	mb.rec.Name = newPath
	u.mailboxes[mb.rec.Path] = mb
	return nil
}

func (s *Store) DeleteMailbox(owner, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.EqualFold(path, "INBOX") {
		return fmt.Errorf("memstore: INBOX cannot be deleted")
	}
	u := s.users[owner]
	if u == nil {
		return &store.ErrNotFound{What: "user"}
	}
	if _, exists := u.mailboxes[canon(path)]; !exists {
		return &store.ErrNotFound{What: "mailbox"}
	}
	delete(u.mailboxes, canon(path))
	return nil
}

func (s *Store) EnsureDefaultMailboxes(owner string) error {
	s.mu.Lock()
	u := s.users[owner]
	s.mu.Unlock()
	if u == nil {
		return &store.ErrNotFound{What: "user"}
	}
	s.mu.Lock()
	empty := len(u.mailboxes) == 0
	s.mu.Unlock()
	if !empty {
		return nil
	}
	for _, name := range []string{"INBOX", "Sent", "Drafts", "Trash", "Junk"} {
		if _, err := s.CreateMailbox(owner, name, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) NextUID(mailboxID int64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.findMailboxByID(mailboxID)
	if mb == nil {
		return 0, &store.ErrNotFound{What: "mailbox"}
	}
	uid := mb.rec.NextUID
	mb.rec.NextUID++
	return uid, nil
}

func (s *Store) findMailboxByID(id int64) *mailbox {
	for _, u := range s.users {
		for _, mb := range u.mailboxes {
			if mb.rec.ID == id {
				return mb
			}
		}
	}
	return nil
}

func (s *Store) findUserOwning(id int64) (*memUser, *mailbox) {
	for _, u := range s.users {
		for _, mb := range u.mailboxes {
			if mb.rec.ID == id {
				return u, mb
			}
		}
	}
	return nil, nil
}

func (s *Store) newMessageID() string {
	s.nextMID++
	return fmt.Sprintf("<memstore-%d@local>", s.nextMID)
}

func (s *Store) AppendToMailbox(owner, path string, raw []byte, flags store.Flags, receiveDate time.Time) (string, uint32, uint32, error) {
	s.mu.Lock()
	u := s.users[owner]
	if u == nil {
		s.mu.Unlock()
		return "", 0, 0, &store.ErrNotFound{What: "user"}
	}
	mb := u.mailboxes[canon(path)]
	if mb == nil {
		s.mu.Unlock()
		return "", 0, 0, &store.ErrNotFound{What: "mailbox"}
	}
	uid := mb.rec.NextUID
	mb.rec.NextUID++
	mb.nextID++
	msgID := s.newMessageID()
	s.blobs[msgID] = raw
	mb.entries[uid] = &store.MailEntry{
		ID: mb.nextID, MessageID: msgID, MailboxID: mb.rec.ID, UID: uid,
		ReceiveDate: receiveDate, Flags: flags, Size: int64(len(raw)),
	}
	mb.rec.MailCount++
	mb.rec.TotalSize += int64(len(raw))
	validity := mb.rec.UIDValidity
	s.mu.Unlock()
	return msgID, validity, uid, nil
}

func (s *Store) ProcessIncoming(raw []byte, sender string, rcpts []string) (string, error) {
	s.mu.Lock()
	msgID := s.newMessageID()
	s.blobs[msgID] = raw
	s.mu.Unlock()

	for _, rcpt := range rcpts {
		at := strings.LastIndexByte(rcpt, '@')
		if at < 0 {
			continue
		}
		domain := rcpt[at+1:]
		if !s.DomainIsLocal(domain) {
			continue
		}
		if ok, _ := s.UserExists(rcpt); !ok {
			continue
		}
		if _, _, _, err := s.AppendToMailbox(rcpt, "INBOX", raw, store.Flags{}, time.Now()); err != nil {
			return "", err
		}
	}
	return msgID, nil
}

func (s *Store) ListEntries(mailboxID int64) ([]*store.MailEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.findMailboxByID(mailboxID)
	if mb == nil {
		return nil, &store.ErrNotFound{What: "mailbox"}
	}
	var out []*store.MailEntry
	for _, e := range mb.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *Store) EntryByUID(mailboxID int64, uid uint32) (*store.MailEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.findMailboxByID(mailboxID)
	if mb == nil {
		return nil, &store.ErrNotFound{What: "mailbox"}
	}
	e, ok := mb.entries[uid]
	if !ok {
		return nil, &store.ErrNotFound{What: "entry"}
	}
	cp := *e
	return &cp, nil
}

func (s *Store) Count(mailboxID int64) (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.findMailboxByID(mailboxID)
	if mb == nil {
		return 0, 0, &store.ErrNotFound{What: "mailbox"}
	}
	var unread uint32
	for _, e := range mb.entries {
		if !e.Flags.Seen {
			unread++
		}
	}
	return uint32(len(mb.entries)), unread, nil
}

func (s *Store) UpdateFlags(entryID int64, flags store.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		for _, mb := range u.mailboxes {
			for _, e := range mb.entries {
				if e.ID == entryID {
					e.Flags = flags
					return nil
				}
			}
		}
	}
	return &store.ErrNotFound{What: "entry"}
}

func (s *Store) LoadBlob(messageID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[messageID]
	if !ok {
		return nil, &store.ErrNotFound{What: "blob"}
	}
	return b, nil
}

func (s *Store) CopyEntry(srcMailboxID int64, uid uint32, dstMailboxID int64) (uint32, error) {
	s.mu.Lock()
	src := s.findMailboxByID(srcMailboxID)
	dst := s.findMailboxByID(dstMailboxID)
	if src == nil || dst == nil {
		s.mu.Unlock()
		return 0, &store.ErrNotFound{What: "mailbox"}
	}
	e, ok := src.entries[uid]
	if !ok {
		s.mu.Unlock()
		return 0, &store.ErrNotFound{What: "entry"}
	}
	newUID := dst.rec.NextUID
	dst.rec.NextUID++
	dst.nextID++
	cp := *e
	cp.ID = dst.nextID
	cp.MailboxID = dst.rec.ID
	cp.UID = newUID
	cp.Flags.Deleted = false
	dst.entries[newUID] = &cp
	dst.rec.MailCount++
	s.mu.Unlock()
	return newUID, nil
}

func (s *Store) MoveEntry(srcMailboxID int64, uid uint32, dstMailboxID int64) (uint32, error) {
	newUID, err := s.CopyEntry(srcMailboxID, uid, dstMailboxID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	src := s.findMailboxByID(srcMailboxID)
	if e, ok := src.entries[uid]; ok {
		e.Flags.Deleted = true
	}
	s.mu.Unlock()
	return newUID, nil
}

func (s *Store) Expunge(mailboxID int64) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.findMailboxByID(mailboxID)
	if mb == nil {
		return nil, &store.ErrNotFound{What: "mailbox"}
	}
	var removed []uint32
	for uid, e := range mb.entries {
		if e.Flags.Deleted {
			removed = append(removed, uid)
			mb.rec.MailCount--
			delete(mb.entries, uid)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

func (s *Store) ExpungeUIDs(mailboxID int64, uids []uint32) ([]uint32, error) {
	s.mu.Lock()
	mb := s.findMailboxByID(mailboxID)
	s.mu.Unlock()
	if mb == nil {
		return nil, &store.ErrNotFound{What: "mailbox"}
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []uint32
	for uid, e := range mb.entries {
		if want[uid] && e.Flags.Deleted {
			removed = append(removed, uid)
			mb.rec.MailCount--
			delete(mb.entries, uid)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

func (s *Store) BySubject(mailboxID int64, keyword string) ([]uint32, error) {
	return s.searchBlob(mailboxID, keyword, true)
}

func (s *Store) ByFrom(mailboxID int64, keyword string) ([]uint32, error) {
	return s.searchBlob(mailboxID, keyword, false)
}

func (s *Store) searchBlob(mailboxID int64, keyword string, subject bool) ([]uint32, error) {
	entries, err := s.ListEntries(mailboxID)
	if err != nil {
		return nil, err
	}
	keyword = strings.ToLower(keyword)
	var out []uint32
	for _, e := range entries {
		raw, err := s.LoadBlob(e.MessageID)
		if err != nil {
			continue
		}
		header := string(raw)
		if i := strings.Index(header, "\r\n\r\n"); i >= 0 {
			header = header[:i]
		}
		field := "subject:"
		if !subject {
			field = "from:"
		}
		lower := strings.ToLower(header)
		if idx := strings.Index(lower, field); idx >= 0 {
			end := strings.IndexByte(lower[idx:], '\n')
			line := lower[idx:]
			if end >= 0 {
				line = lower[idx : idx+end]
			}
			if strings.Contains(line, keyword) {
				out = append(out, e.UID)
			}
		}
	}
	return out, nil
}
