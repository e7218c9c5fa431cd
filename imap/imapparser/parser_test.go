package imapparser

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"reflect"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
)

var parseCommandTests = []struct {
	name   string
	input  string
	mode   Mode
	output Command
	errstr string
}{
	{
		input:  "\r\n",
		errstr: "no command tag",
	},
	{
		input:  "3 FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID LOGIN\r\n",
		errstr: "LOGIN does not support the UID prefix",
	},
	{
		input:  "0 NOOP\r\n",
		output: Command{Tag: []byte("0"), Name: "NOOP"},
	},
	{
		input:  "0 LOGIN\r\n",
		mode:   ModeAuth,
		errstr: "bad mode for command LOGIN",
	},
	{
		input:  "0 LOGIN\r\n",
		errstr: "missing username",
	},
	{
		input:  "0 LOGIN me\r\n",
		errstr: "missing password",
	},
	{
		input: "0 LOGIN me secret\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "LOGIN",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("me"),
				Password: []byte("secret"),
			},
		},
	},
	{
		input:  "0 AUTHENTICATE\r\n",
		errstr: "missing mechanism",
	},
	{
		input:  "0 AUTHENTICATE PLAIN\r\n",
		errstr: "EOF",
	},
	{
		input:  "0 AUTHENTICATE PLAIN foo\r\n",
		errstr: "has trailing arg",
	},
	{
		input: "0 AUTHENTICATE PLAIN\r\n" +
			// "FREDLAND\x00FRED FOOBAR\x00secret key"
			"RlJFRExBTkQARlJFRCBGT09CQVIAc2VjcmV0IGtleQ==\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "AUTHENTICATE",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("FRED FOOBAR"),
				Password: []byte("secret key"),
			},
		},
	},
	{
		input:  "0 ENABLE\r\n",
		mode:   ModeAuth,
		errstr: "missing required arg",
	},
	{
		input: "0 ENABLE UTF8\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:    []byte("0"),
			Name:   "ENABLE",
			Params: [][]byte{[]byte("UTF8")},
		},
	},
	{
		input:  "0 ID\r\n",
		errstr: "missing parameter list",
	},
	{
		input: "0 ID NIL\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "ID",
		},
	},
	{
		input:  "0 ID (foo)\r\n",
		errstr: "missing value",
	},
	{
		input: `0 ID ("foo" "bar" "baz" "bop")` + "\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "ID",
			Params: [][]byte{
				[]byte("foo"), []byte("bar"), []byte("baz"), []byte("bop"),
			},
		},
	},
	{input: "0 SELECT\r\n", mode: ModeAuth, errstr: "missing mailbox"},
	{input: "0 EXAMINE\r\n", mode: ModeAuth, errstr: "missing mailbox"},
	{
		input: "0 SELECT inbox\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "SELECT",
			Mailbox: []byte("INBOX"),
		},
	},
	{
		input:  "0 SELECT inbox (CONDSTORE)\r\n",
		mode:   ModeAuth,
		errstr: "trailing arguments",
	},
	{
		input:  "0 RENAME\r\n",
		mode:   ModeAuth,
		errstr: "missing existing mailbox name",
	},
	{
		input:  "0 RENAME inbox\r\n",
		mode:   ModeAuth,
		errstr: "missing new mailbox name",
	},
	{
		input: "0 RENAME inbox old-mail\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "RENAME",
			Rename: struct{ OldMailbox, NewMailbox []byte }{
				OldMailbox: []byte("INBOX"),
				NewMailbox: []byte("old-mail"),
			},
		},
	},
	{
		input:  "0 LIST\r\n",
		mode:   ModeNonAuth,
		errstr: "bad mode for command LIST",
	},
	{
		input:  "0 LIST a\r\n",
		mode:   ModeAuth,
		errstr: "missing mailbox glob",
	},
	{
		input: "4.2 LIST \"\" *\r\n", // from macOS Mail.app
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("4.2"),
			Name: "LIST",
			List: List{MailboxGlob: []byte("*")},
		},
	},
	{
		input: "a LIST (REMOTE SUBSCRIBED) \"/\" \"*\" RETURN (CHILDREN)\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("a"),
			Name: "LIST",
			List: List{
				SelectOptions: []string{"REMOTE", "SUBSCRIBED"},
				ReferenceName: []byte("/"),
				MailboxGlob:   []byte("*"),
				ReturnOptions: []string{"CHILDREN"},
			},
		},
	},
	{
		input:  "0 EXPUNGE\r\n",
		mode:   ModeNonAuth,
		errstr: "bad mode",
	},
	{
		input: "0 EXPUNGE\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "EXPUNGE",
		},
	},
	{
		input: "0 UID EXPUNGE 1:2\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			UID:       true,
			Name:      "EXPUNGE",
			Sequences: []SeqRange{{1, 2}},
		},
	},
	{
		input: "3 SEARCH UNSEEN\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("3"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{Key: "UNSEEN"},
			},
		},
	},
	{
		input:  "3 SEARCH\r\n",
		mode:   ModeSelected,
		errstr: "missing search key",
	},
	{
		input:  "3 SEARCH CHARSET UTF-99\r\n",
		mode:   ModeSelected,
		errstr: "unsupported CHARSET",
	},
	{
		input:  "3 SEARCH NOT\r\n",
		mode:   ModeSelected,
		errstr: "NOT missing term",
	},
	{
		input: "3 SEARCH RETURN (COUNT ALL) UNSEEN\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("3"),
			Name: "SEARCH",
			Search: Search{
				Op:     &SearchOp{Key: "UNSEEN"},
				Return: []string{"COUNT", "ALL"},
			},
		},
	},
	{
		input: "a SEARCH BEFORE 12-Feb-1999\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("a"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{
					Key:  "BEFORE",
					Date: time.Date(1999, time.February, 12, 0, 0, 0, 0, time.UTC),
				},
			},
		},
	},
	{
		input: "t01 APPEND INBOX {5}\r\nHello\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("t01"),
			Name:    "APPEND",
			Mailbox: []byte("INBOX"),
			Literal: literal("Hello"),
		},
	},
	{
		input: "t02 APPEND saved (\\Seen) {5}\r\nHello\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("t02"),
			Name:    "APPEND",
			Mailbox: []byte("saved"),
			Append: struct {
				Flags [][]byte
				Date  []byte
			}{
				Flags: [][]byte{[]byte(`\Seen`)},
			},
			Literal: literal("Hello"),
		},
	},
	{
		input: "01 STATUS MyMsgs (MESSAGES RECENT UNSEEN)\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("01"),
			Name:    "STATUS",
			Mailbox: []byte("MyMsgs"),
			Status: struct{ Items []StatusItem }{
				Items: []StatusItem{StatusMessages, StatusRecent, StatusUnseen},
			},
		},
	},
	{
		input:  `01 STATUS INBOX` + "\r\n",
		mode:   ModeAuth,
		errstr: "STATUS missing list start",
	},
	{
		input:  "0 FETCH\r\n",
		mode:   ModeAuth,
		errstr: "bad mode for command FETCH",
	},
	{
		input: "1 FETCH 1:* ALL\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:        []byte("1"),
			Name:       "FETCH",
			Sequences:  []SeqRange{{1, 0}},
			FetchItems: []FetchItem{{Type: FetchAll}},
		},
	},
	{
		input:  "1 FETCH 1:1 (ALL)\r\n",
		mode:   ModeSelected,
		errstr: "invalid item",
	},
	{
		input: "A FETCH 4,9,16:* (INTERNALDATE)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:        []byte("A"),
			Name:       "FETCH",
			Sequences:  []SeqRange{{4, 4}, {9, 9}, {16, 0}},
			FetchItems: []FetchItem{{Type: FetchInternalDate}},
		},
	},
	{
		input: "t FETCH 260 BODY.PEEK[1]<2187.1>\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("t"),
			Name:      "FETCH",
			Sequences: []SeqRange{{260, 260}},
			FetchItems: []FetchItem{{
				Type: FetchBody,
				Peek: true,
				Section: FetchItemSection{
					Path: []uint16{1},
				},
				Partial: struct {
					Start  uint32
					Length uint32
				}{Start: 2187, Length: 1},
				HasPartial: true,
			}},
		},
	},
	{
		input: "t FETCH 1 (BODY[4.1.MIME] BODY[4.2.HEADER])\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("t"),
			Name:      "FETCH",
			Sequences: []SeqRange{{1, 1}},
			FetchItems: []FetchItem{
				{
					Type: FetchBody,
					Section: FetchItemSection{
						Path: []uint16{4, 1},
						Name: "MIME",
					},
				},
				{
					Type: FetchBody,
					Section: FetchItemSection{
						Path: []uint16{4, 2},
						Name: "HEADER",
					},
				},
			},
		},
	},
	{
		input: "A654 FETCH 2:4 (FLAGS BODY[HEADER.FIELDS (DATE FROM)])\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A654"),
			Name:      "FETCH",
			Sequences: []SeqRange{{2, 4}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{
					Type: FetchBody,
					Section: FetchItemSection{
						Name: "HEADER.FIELDS",
						Headers: [][]byte{
							[]byte("DATE"),
							[]byte("FROM"),
						},
					},
				},
			},
		},
	},
	{
		input: "8.277 UID FETCH 279 (BODY.PEEK[2.19] BODY.PEEK[2.13]<32342.88162>)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("8.277"),
			UID:       true,
			Name:      "FETCH",
			Sequences: []SeqRange{{279, 279}},
			FetchItems: []FetchItem{
				{
					Type:    FetchBody,
					Peek:    true,
					Section: FetchItemSection{Path: []uint16{2, 19}},
				},
				{
					Type:    FetchBody,
					Peek:    true,
					Section: FetchItemSection{Path: []uint16{2, 13}},
					Partial: struct {
						Start  uint32
						Length uint32
					}{Start: 32342, Length: 88162},
					HasPartial: true,
				},
				{Type: FetchUID}, // implicitly included by UID FETCH
			},
		},
	},
	{
		input: "A003 STORE 2:4 +FLAGS (\\Deleted)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A003"),
			Name:      "STORE",
			Sequences: []SeqRange{{2, 4}},
			Store: Store{
				Mode:  StoreAdd,
				Flags: [][]byte{[]byte("\\Deleted")},
			},
		},
	},
	{
		input:  "TAG STORE 2:4 boo (\\Deleted)\r\n",
		mode:   ModeSelected,
		errstr: "invalid name",
	},
	{
		input: "d105 STORE 7,5,9 +FLAGS.SILENT (\\Deleted)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("d105"),
			Name:      "STORE",
			Sequences: []SeqRange{{7, 7}, {5, 5}, {9, 9}},
			Store: Store{
				Mode:   StoreAdd,
				Silent: true,
				Flags:  [][]byte{[]byte("\\Deleted")},
			},
		},
	},
	{
		input: "A003 COPY 2:4 MEETING\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A003"),
			Name:      "COPY",
			Sequences: []SeqRange{{2, 4}},
			Mailbox:   []byte("MEETING"),
		},
	},
	{
		input: "A003 UID MOVE 2:4 MEETING\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A003"),
			UID:       true,
			Name:      "MOVE",
			Sequences: []SeqRange{{2, 4}},
			Mailbox:   []byte("MEETING"),
		},
	},
}

func literal(contents string) *iox.BufferFile {
	f := filer.BufferFile(0)
	if _, err := io.WriteString(f, contents); err != nil {
		panic(err)
	}
	return f
}

var filer = iox.NewFiler(0)

func TestParseCommand(t *testing.T) {
	for _, test := range parseCommandTests {
		name := test.name
		if name == "" {
			name = test.input
		}
		t.Run(name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(test.input))
			f := filer.BufferFile(1024)
			defer f.Close()
			p := &Parser{
				Scanner: NewScanner(r, f, nil),
				Mode:    test.mode,
			}
			err := p.ParseCommand()
			if err != nil {
				errstr := err.Error()
				if !strings.Contains(errstr, test.errstr) {
					t.Errorf("parse error %q, want substring %q", errstr, test.errstr)
				}
				if test.errstr == "" {
					t.Errorf("unexpected parse error: %v", err)
				} else if _, err := r.Peek(1); err != io.EOF {
					t.Errorf("unconsumed buffer on error: %d", r.Buffered())
				}
				if p.Command.Name == "" {
					return
				}
			}
			if !equalCommand(p.Command, test.output) {
				t.Errorf("ParseCommand=\n\t%v\n, want\n\t%v", p.Command, test.output)
			}
		})
	}
}

func equalCommand(c0, c1 Command) bool {
	if !bytes.Equal(c0.Tag, c1.Tag) {
		return false
	}
	if c0.Name != c1.Name {
		return false
	}
	if c0.UID != c1.UID {
		return false
	}
	if !bytes.Equal(c0.Mailbox, c1.Mailbox) {
		return false
	}
	if !reflect.DeepEqual(c0.Sequences, c1.Sequences) {
		if len(c0.Sequences) != 0 || len(c1.Sequences) != 0 {
			return false
		}
	}
	if c0.Literal != nil || c1.Literal != nil {
		var c0len, c1len int64
		if c0.Literal != nil {
			c0len = c0.Literal.Size()
		}
		if c1.Literal != nil {
			c1len = c1.Literal.Size()
		}
		if c0len != c1len {
			return false
		}
		if c0len != 0 {
			r0 := io.NewSectionReader(c0.Literal, 0, c0.Literal.Size())
			b0, err := ioutil.ReadAll(r0)
			if err != nil {
				return false
			}
			r1 := io.NewSectionReader(c1.Literal, 0, c1.Literal.Size())
			b1, err := ioutil.ReadAll(r1)
			if err != nil {
				return false
			}
			if !bytes.Equal(b0, b1) {
				return false
			}
		}
	}
	if !bytes.Equal(c0.Rename.OldMailbox, c1.Rename.OldMailbox) {
		return false
	}
	if !bytes.Equal(c0.Rename.NewMailbox, c1.Rename.NewMailbox) {
		return false
	}
	if len(c0.Params) > 0 || len(c1.Params) > 0 {
		if !reflect.DeepEqual(c0.Params, c1.Params) {
			return false
		}
	}
	if !bytes.Equal(c0.Auth.Username, c1.Auth.Username) {
		return false
	}
	if !bytes.Equal(c0.Auth.Password, c1.Auth.Password) {
		return false
	}
	if len(c0.List.SelectOptions) > 0 || len(c1.List.SelectOptions) > 0 {
		if !reflect.DeepEqual(c0.List.SelectOptions, c1.List.SelectOptions) {
			return false
		}
	}
	if !bytes.Equal(c0.List.MailboxGlob, c1.List.MailboxGlob) {
		return false
	}
	if !bytes.Equal(c0.List.ReferenceName, c1.List.ReferenceName) {
		return false
	}
	if len(c0.List.ReturnOptions) > 0 || len(c1.List.ReturnOptions) > 0 {
		if !reflect.DeepEqual(c0.List.ReturnOptions, c1.List.ReturnOptions) {
			return false
		}
	}
	if len(c0.Status.Items) > 0 || len(c1.Status.Items) > 0 {
		if !reflect.DeepEqual(c0.Status.Items, c1.Status.Items) {
			return false
		}
	}
	if len(c0.Append.Flags) > 0 || len(c1.Append.Flags) > 0 {
		if !reflect.DeepEqual(c0.Append.Flags, c1.Append.Flags) {
			return false
		}
	}
	if !bytes.Equal(c0.Append.Date, c1.Append.Date) {
		return false
	}
	if len(c0.FetchItems) > 0 || len(c1.FetchItems) > 0 {
		if !reflect.DeepEqual(c0.FetchItems, c1.FetchItems) {
			return false
		}
	}
	if c0.Store.Mode != c1.Store.Mode {
		return false
	}
	if c0.Store.Silent != c1.Store.Silent {
		return false
	}
	if len(c0.Store.Flags) > 0 || len(c1.Store.Flags) > 0 {
		if !reflect.DeepEqual(c0.Store.Flags, c1.Store.Flags) {
			return false
		}
	}
	if !reflect.DeepEqual(c0.Search.Op, c1.Search.Op) {
		return false
	}
	if len(c0.Search.Return) > 0 || len(c1.Search.Return) > 0 {
		if !reflect.DeepEqual(c0.Search.Return, c1.Search.Return) {
			return false
		}
	}
	return true
}
