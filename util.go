package outlook

import (
	"mime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// dropNl removes a trailing CRLF or LF
func dropNl(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// literalSize reports the size of a {n} literal announced at the end of line.
func literalSize(line string) (int, bool) {
	m := literalRE.FindStringSubmatch(dropNl(line))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// quoteString renders s as an IMAP quoted string.
func quoteString(s string) string {
	return `"` + AddSlashes.Replace(s) + `"`
}

// sequenceSet renders uids as a compact IMAP sequence set, e.g. "1:3,7".
func sequenceSet(uids []int) string {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var b strings.Builder
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(sorted[i]))
		if j > i {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(sorted[j]))
		}
		i = j + 1
	}
	return b.String()
}

// chunk splits s into consecutive slices of at most size elements.
func chunk[T any](s []T, size int) [][]T {
	if size <= 0 {
		size = max(len(s), 1)
	}
	out := make([][]T, 0, (len(s)+size-1)/size)
	for len(s) > 0 {
		n := min(size, len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

// commandVerb returns the command name used in errors, e.g. "UID FETCH".
func commandVerb(command string) string {
	fields := strings.Fields(command)
	switch {
	case len(fields) == 0:
		return ""
	case len(fields) > 1 && strings.EqualFold(fields[0], "UID"):
		return strings.ToUpper(fields[0] + " " + fields[1])
	}
	return strings.ToUpper(fields[0])
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

// decodeHeader decodes RFC 2047 encoded-words in any charset known to
// x/net/html/charset. Undecodable values are returned as-is.
func decodeHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	d, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return strings.TrimSpace(d)
}

// senderInitial returns the first ASCII letter of from, upper-cased, or "?".
func senderInitial(from string) string {
	for i := 0; i < len(from); i++ {
		c := from[i]
		if c >= 'a' && c <= 'z' {
			return string(c - 'a' + 'A')
		}
		if c >= 'A' && c <= 'Z' {
			return string(c)
		}
	}
	return "?"
}
