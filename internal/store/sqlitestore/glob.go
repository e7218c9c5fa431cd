package sqlitestore

import (
	"regexp"
	"strings"
)

// globToRegexp compiles an IMAP LIST mailbox glob, where "*" matches any
// sequence of characters (including the hierarchy separator) and "%"
// matches any sequence except the hierarchy separator. Mirrors
// memstore's globToRegexp; kept package-local since both stores are
// meant to be usable without depending on each other.
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^.]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile("$^")
	}
	return re
}
