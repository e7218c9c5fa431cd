package imapserver

import (
	"sort"

	"mailcore.dev/maild/imap/imapparser"
	"mailcore.dev/maild/internal/store"
)

// sessionCache is the per-connection session cache: a UID-ascending
// ordered view of the currently selected mailbox, plus a UID->position
// index. It is built on SELECT/EXAMINE and fully rebuilt after any
// operation that changes mailbox membership (MOVE, EXPUNGE).
type sessionCache struct {
	entries []*store.MailEntry
	byUID   map[uint32]int // uid -> index into entries
}

// newSessionCache sorts entries by UID ascending and indexes them.
// Not shared between sessions: each Conn owns its own.
func newSessionCache(entries []*store.MailEntry) *sessionCache {
	sorted := make([]*store.MailEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UID < sorted[j].UID })

	c := &sessionCache{entries: sorted, byUID: make(map[uint32]int, len(sorted))}
	for i, e := range sorted {
		c.byUID[e.UID] = i
	}
	return c
}

// Size returns the number of cached entries (the mailbox's EXISTS count).
func (c *sessionCache) Size() int { return len(c.entries) }

// ByUID looks up an entry by UID, along with its 1-based sequence number.
func (c *sessionCache) ByUID(uid uint32) (entry *store.MailEntry, seq uint32, ok bool) {
	i, found := c.byUID[uid]
	if !found {
		return nil, 0, false
	}
	return c.entries[i], uint32(i + 1), true
}

// BySeq looks up an entry by 1-based sequence number.
func (c *sessionCache) BySeq(seq uint32) (*store.MailEntry, bool) {
	if seq < 1 || int(seq) > len(c.entries) {
		return nil, false
	}
	return c.entries[seq-1], true
}

// SeqOfUID is the reverse of ByUID: UID to 1-based sequence number.
func (c *sessionCache) SeqOfUID(uid uint32) (uint32, bool) {
	i, found := c.byUID[uid]
	if !found {
		return 0, false
	}
	return uint32(i + 1), true
}

// maxUID returns the highest UID in the cache, the value '*' resolves to
// in UID-mode sequence sets; 0 if the cache is empty.
func (c *sessionCache) maxUID() uint32 {
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].UID
}

// resolveSet is the sequence set resolver: it walks ranges
// of comma-separated `a:b` pairs or singletons, with a zero Max standing
// for '*' (max-UID in UID mode, size-of-cache in sequence mode), and
// returns every cached entry the set covers. Undefined numbers (a
// sequence number beyond the cache, or a UID nobody holds) resolve to
// nothing, rather than erroring the command.
func (c *sessionCache) resolveSet(seqs []imapparser.SeqRange, uidMode bool) []*store.MailEntry {
	var out []*store.MailEntry
	seen := make(map[uint32]bool)
	if uidMode {
		max := c.maxUID()
		for _, r := range seqs {
			min, rmax := r.Min, r.Max
			if rmax == 0 {
				rmax = max
			}
			if min == 0 {
				min = max
			}
			if min > rmax {
				min, rmax = rmax, min
			}
			for i, e := range c.entries {
				if e.UID >= min && e.UID <= rmax && !seen[uint32(i)] {
					seen[uint32(i)] = true
					out = append(out, e)
				}
			}
		}
		return out
	}

	size := uint32(len(c.entries))
	for _, r := range seqs {
		min, rmax := r.Min, r.Max
		if rmax == 0 {
			rmax = size
		}
		if min == 0 {
			min = size
		}
		if min > rmax {
			min, rmax = rmax, min
		}
		for i := min; i <= rmax && i >= 1; i++ {
			if i > size {
				continue
			}
			if !seen[i] {
				seen[i] = true
				out = append(out, c.entries[i-1])
			}
		}
	}
	return out
}
