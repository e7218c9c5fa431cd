package memstore

import (
	"regexp"
	"strings"
)

// globToRegexp compiles an IMAP LIST mailbox glob, where "*" matches any
// sequence of characters (including the hierarchy separator) and "%"
// matches any sequence except the hierarchy separator.
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
		return regexp.MustCompile("$^") // matches nothing
	}
	return re
}
