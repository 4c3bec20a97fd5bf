package at

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ParserFunc converts the text following a verb's colon into parsed
// parameters. rest has already had surrounding whitespace trimmed. A parser
// needing a length-prefixed binary payload (e.g. "+QIRD: 64" followed by 64
// raw bytes) reads synchronously from br, which is the session's own line
// reader — see ReadFrame.
//
// A parser must never block on I/O longer than the modem's inter-frame
// timeout; if it needs a follow-up read it is the parser's responsibility to
// perform it before returning.
type ParserFunc func(verb, rest string, br *bufio.Reader) ([]Param, error)

// ReadFrame consumes the line terminator the modem emits before a raw
// payload and then reads exactly n bytes, for parsers handling
// length-prefixed binary frames such as Quectel's "+QIRD: <n>\r\n<n bytes>".
func ReadFrame(br *bufio.Reader, n int) ([]byte, error) {
	for _, want := range [2]byte{'\r', '\n'} {
		b, err := br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != want {
			continue
		}
		br.Discard(1)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// defaultParse is the built-in parser used for verbs without a registered
// ParserFunc: quoted strings, bare integers, and parenthesized lists (kept
// intact as a single string parameter), comma separated.
func defaultParse(rest string) []Param {
	if rest == "" {
		return nil
	}
	fields := splitCSV(rest)
	out := make([]Param, len(fields))
	for i, f := range fields {
		out[i] = parseField(f)
	}
	return out
}

func parseField(f string) Param {
	f = strings.TrimSpace(f)
	if f == "" {
		return NilParam()
	}
	if len(f) >= 2 && f[0] == '"' && f[len(f)-1] == '"' {
		return StrParam(f[1 : len(f)-1])
	}
	if n, err := strconv.ParseInt(f, 10, 64); err == nil {
		return IntParam(n)
	}
	return StrParam(f)
}

// splitCSV splits on top-level commas, treating quoted strings and
// parenthesized lists as opaque so "1,(1,2,3),\"a,b\"" yields three fields.
func splitCSV(s string) []string {
	var fields []string
	var cur strings.Builder
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == '(' && !inQuote:
			depth++
			cur.WriteByte(c)
		case c == ')' && !inQuote:
			if depth > 0 {
				depth--
			}
			cur.WriteByte(c)
		case c == ',' && !inQuote && depth == 0:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// splitInfoLine splits a line into its verb and remainder at the first
// colon. A line with no colon, or an empty verb, is not an information line.
func splitInfoLine(line string) (verb, rest string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", line, false
	}
	verb = strings.TrimSpace(line[:idx])
	rest = strings.TrimSpace(line[idx+1:])
	if verb == "" {
		return "", line, false
	}
	return verb, rest, true
}
