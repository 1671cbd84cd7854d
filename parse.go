package outlook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	nl = "\r\n"
	// TimeFormat is the layout of INTERNALDATE values.
	TimeFormat = "_2-Jan-2006 15:04:05 -0700"
)

var literalRE = regexp.MustCompile(`\{(\d+)\+?\}$`)

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    int
	Tokens []*Token
}

// TType represents the type of an IMAP token
type TType uint8

const (
	TUnset TType = iota
	// TAtom is a bare atom such as FLAGS, \Seen or BODY[HEADER].
	TAtom
	TNumber
	// TLiteral is the content of a {n} literal.
	TLiteral
	TQuoted
	TNil
	TContainer
)

// GetTokenName returns the string name of a token type
func GetTokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TLiteral:
		return "TLiteral"
	case TQuoted:
		return "TQuoted"
	case TNil:
		return "TNil"
	case TContainer:
		return "TContainer"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	tokenType := GetTokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return tokenType
	case TLiteral, TQuoted:
		return fmt.Sprintf("(%s, len %d %#v)", tokenType, len(t.Str), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", tokenType, t.Num)
	case TAtom:
		return fmt.Sprintf("(%s %s)", tokenType, t.Str)
	case TContainer:
		return fmt.Sprintf("(%s children: %s)", tokenType, t.Tokens)
	}
	return ""
}

// text returns the string value of an atom, quoted string or literal. NIL is
// the empty string.
func (t *Token) text() string {
	if t == nil {
		return ""
	}
	switch t.Type {
	case TAtom, TQuoted, TLiteral:
		return t.Str
	case TNumber:
		return strconv.Itoa(t.Num)
	}
	return ""
}

type tokenizer struct {
	s   string
	pos int
}

// parseTokens parses a sequence of IMAP data items. Literals must already be
// inlined as "{n}\r\n" followed by exactly n bytes.
func parseTokens(s string) ([]*Token, error) {
	t := &tokenizer{s: s}
	return t.sequence(0)
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.s) {
		switch t.s[t.pos] {
		case ' ', '\r', '\n', '\t':
			t.pos++
		default:
			return
		}
	}
}

// sequence reads tokens until closing (or the end of input when closing is 0).
func (t *tokenizer) sequence(closing byte) ([]*Token, error) {
	tokens := make([]*Token, 0, 4)
	for {
		t.skipSpace()
		if t.pos >= len(t.s) {
			if closing != 0 {
				return nil, fmt.Errorf("unterminated list at offset %d", t.pos)
			}
			return tokens, nil
		}
		c := t.s[t.pos]
		if closing != 0 && c == closing {
			t.pos++
			return tokens, nil
		}
		if c == ')' {
			return nil, fmt.Errorf("unexpected ')' at offset %d", t.pos)
		}
		tok, err := t.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
}

func (t *tokenizer) next() (*Token, error) {
	switch t.s[t.pos] {
	case '(':
		t.pos++
		children, err := t.sequence(')')
		if err != nil {
			return nil, err
		}
		return &Token{Type: TContainer, Tokens: children}, nil
	case '"':
		return t.quoted()
	case '{':
		return t.literal()
	}
	return t.atom()
}

func (t *tokenizer) quoted() (*Token, error) {
	start := t.pos
	t.pos++
	var b strings.Builder
	for t.pos < len(t.s) {
		c := t.s[t.pos]
		switch c {
		case '\\':
			t.pos++
			if t.pos < len(t.s) {
				b.WriteByte(t.s[t.pos])
			}
		case '"':
			t.pos++
			return &Token{Type: TQuoted, Str: b.String()}, nil
		default:
			b.WriteByte(c)
		}
		t.pos++
	}
	return nil, fmt.Errorf("unterminated quoted string at offset %d", start)
}

func (t *tokenizer) literal() (*Token, error) {
	end := strings.IndexByte(t.s[t.pos:], '}')
	if end == -1 {
		return nil, fmt.Errorf("unterminated literal size at offset %d", t.pos)
	}
	size, err := strconv.Atoi(strings.TrimSuffix(t.s[t.pos+1:t.pos+end], "+"))
	if err != nil || size < 0 {
		return nil, fmt.Errorf("bad literal size %q", t.s[t.pos:t.pos+end+1])
	}
	t.pos += end + 1
	switch {
	case strings.HasPrefix(t.s[t.pos:], nl):
		t.pos += 2
	case strings.HasPrefix(t.s[t.pos:], "\n"):
		t.pos++
	default:
		return nil, fmt.Errorf("literal size not followed by newline at offset %d", t.pos)
	}
	if t.pos+size > len(t.s) {
		return nil, fmt.Errorf("literal of %d bytes truncated to %d", size, len(t.s)-t.pos)
	}
	tok := &Token{Type: TLiteral, Str: t.s[t.pos : t.pos+size]}
	t.pos += size
	return tok, nil
}

// atom reads a bare atom. Brackets are kept together so section specs such
// as BODY[HEADER.FIELDS (SUBJECT DATE)] stay one token.
func (t *tokenizer) atom() (*Token, error) {
	start := t.pos
	depth := 0
loop:
	for t.pos < len(t.s) {
		switch t.s[t.pos] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ' ', '(', ')', '\r', '\n':
			if depth == 0 {
				break loop
			}
		}
		t.pos++
	}
	if t.pos == start {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.s[t.pos], t.pos)
	}
	s := t.s[start:t.pos]
	if strings.EqualFold(s, "NIL") {
		return &Token{Type: TNil}, nil
	}
	if isDigits(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return &Token{Type: TNumber, Num: n}, nil
		}
	}
	return &Token{Type: TAtom, Str: s}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// fetchRecord is one "* n FETCH (...)" response keyed by upper-cased item name.
type fetchRecord struct {
	Seq   int
	items map[string]*Token
}

// parseFetchLine parses an untagged FETCH response. ok is false for any other
// kind of response line.
func parseFetchLine(line string) (rec *fetchRecord, ok bool, err error) {
	if !strings.HasPrefix(line, "* ") {
		return nil, false, nil
	}
	rest := line[2:]
	sp := strings.IndexByte(rest, ' ')
	if sp == -1 {
		return nil, false, nil
	}
	seq, convErr := strconv.Atoi(rest[:sp])
	if convErr != nil {
		return nil, false, nil
	}
	rest = rest[sp+1:]
	if len(rest) < 6 || !strings.EqualFold(rest[:6], "FETCH ") {
		return nil, false, nil
	}

	tokens, err := parseTokens(strings.TrimSuffix(rest[6:], nl))
	if err != nil {
		return nil, true, fmt.Errorf("parse FETCH %d: %w", seq, err)
	}
	if len(tokens) != 1 || tokens[0].Type != TContainer {
		return nil, true, fmt.Errorf("parse FETCH %d: expected one list, got %v", seq, tokens)
	}
	items := tokens[0].Tokens
	if len(items)%2 != 0 {
		return nil, true, fmt.Errorf("parse FETCH %d: odd number of items", seq)
	}

	rec = &fetchRecord{Seq: seq, items: make(map[string]*Token, len(items)/2)}
	for i := 0; i < len(items); i += 2 {
		if items[i].Type != TAtom {
			return nil, true, fmt.Errorf("parse FETCH %d: item name %s is not an atom", seq, items[i])
		}
		rec.items[strings.ToUpper(items[i].Str)] = items[i+1]
	}
	return rec, true, nil
}

func (r *fetchRecord) uid() (int, bool) {
	t, ok := r.items["UID"]
	if !ok || t.Type != TNumber {
		return 0, false
	}
	return t.Num, true
}

func (r *fetchRecord) flags() []string {
	t, ok := r.items["FLAGS"]
	if !ok || t.Type != TContainer {
		return nil
	}
	flags := make([]string, 0, len(t.Tokens))
	for _, f := range t.Tokens {
		flags = append(flags, f.text())
	}
	return flags
}

func (r *fetchRecord) internalDate() time.Time {
	t, ok := r.items["INTERNALDATE"]
	if !ok {
		return time.Time{}
	}
	d, err := time.Parse(TimeFormat, t.text())
	if err != nil {
		return time.Time{}
	}
	return d
}

func (r *fetchRecord) size() uint64 {
	t, ok := r.items["RFC822.SIZE"]
	if !ok || t.Type != TNumber || t.Num < 0 {
		return 0
	}
	return uint64(t.Num)
}

// section returns the body section whose item name starts with prefix, for
// example "BODY[HEADER" or "BODY[]".
func (r *fetchRecord) section(prefix string) (string, bool) {
	for name, t := range r.items {
		if strings.HasPrefix(name, prefix) {
			return t.text(), true
		}
	}
	return "", false
}

// parseSearchLine returns the UIDs listed by a "* SEARCH" response.
func parseSearchLine(line string) ([]int, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "SEARCH") {
		return nil, false, nil
	}
	uids := make([]int, 0, len(fields)-2)
	for _, f := range fields[2:] {
		u, err := strconv.Atoi(f)
		if err != nil {
			return nil, true, fmt.Errorf("parse SEARCH: %w", err)
		}
		uids = append(uids, u)
	}
	return uids, true, nil
}

// parseExistsLine returns n from "* n EXISTS".
func parseExistsLine(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "*" || !strings.EqualFold(fields[2], "EXISTS") {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

var uidValidityRE = regexp.MustCompile(`(?i)\[UIDVALIDITY (\d+)\]`)

func parseUIDValidity(line string) (uint32, bool) {
	m := uidValidityRE.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// parseListLine parses `* LIST (\attrs) "/" name`.
func parseListLine(line string) (*Folder, bool, error) {
	if len(line) < 7 || !strings.EqualFold(line[:7], "* LIST ") {
		return nil, false, nil
	}
	tokens, err := parseTokens(strings.TrimSuffix(line[7:], nl))
	if err != nil {
		return nil, true, fmt.Errorf("parse LIST: %w", err)
	}
	if len(tokens) != 3 || tokens[0].Type != TContainer {
		return nil, true, fmt.Errorf("parse LIST: unexpected shape %v", tokens)
	}
	f := &Folder{
		Delimiter: tokens[1].text(),
		Name:      tokens[2].text(),
	}
	for _, a := range tokens[0].Tokens {
		f.Attributes = append(f.Attributes, a.text())
	}
	return f, true, nil
}
