package dialect

import "strings"

type tokenKind int

const (
	tokEOF    tokenKind = iota
	tokWord             // keyword or bare identifier
	tokQuoted           // "quoted identifier" or `backtick`
	tokString           // 'literal', $$dollar$$
	tokNumber
	tokPunct // any other single character
)

type token struct {
	kind       tokenKind
	text       string // as written, quotes stripped
	start, end int    // byte offsets in the input
}

// upper returns the keyword form of a word token.
func (t token) upper() string {
	if t.kind != tokWord {
		return ""
	}
	return strings.ToUpper(t.text)
}

// is reports whether t is the given (upper case) keyword.
func (t token) is(keyword string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, keyword)
}

// lexer splits SQL into coarse tokens. It understands comments, string
// literals and quoted identifiers well enough that keywords inside them are
// never reported.
type lexer struct {
	input string
	pos   int
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *lexer) skipWhitespaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f':
			l.pos++
		case ch == '-' && l.peekByte(1) == '-':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		case ch == '/' && l.peekByte(1) == '*':
			l.pos += 2
			depth := 1
			for l.pos < len(l.input) && depth > 0 {
				switch {
				case l.input[l.pos] == '*' && l.peekByte(1) == '/':
					depth--
					l.pos += 2
				case l.input[l.pos] == '/' && l.peekByte(1) == '*':
					depth++
					l.pos += 2
				default:
					l.pos++
				}
			}
		default:
			return
		}
	}
}

func (l *lexer) next() token {
	l.skipWhitespaceAndComments()
	start := l.pos
	t := l.scan()
	t.start, t.end = start, l.pos
	return t
}

func (l *lexer) scan() token {
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}
	}
	ch := l.input[l.pos]
	switch {
	case ch == '\'':
		return token{kind: tokString, text: l.readDelimited('\'')}
	case ch == '"':
		return token{kind: tokQuoted, text: l.readDelimited('"')}
	case ch == '`':
		return token{kind: tokQuoted, text: l.readDelimited('`')}
	case ch == '$' && (l.peekByte(1) == '$' || isLetter(l.peekByte(1))):
		if s, ok := l.readDollarString(); ok {
			return token{kind: tokString, text: s}
		}
		l.pos++
		return token{kind: tokPunct, text: "$"}
	case isLetter(ch):
		start := l.pos
		for l.pos < len(l.input) && (isLetter(l.input[l.pos]) || isDigit(l.input[l.pos]) || l.input[l.pos] == '$') {
			l.pos++
		}
		return token{kind: tokWord, text: l.input[start:l.pos]}
	case isDigit(ch):
		start := l.pos
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos]}
	default:
		l.pos++
		return token{kind: tokPunct, text: string(ch)}
	}
}

// readDelimited reads a quoted run where a doubled quote is an escape.
func (l *lexer) readDelimited(quote byte) string {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == quote {
			if l.peekByte(1) == quote {
				sb.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			break
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return sb.String()
}

// readDollarString reads a PostgreSQL $tag$...$tag$ literal.
func (l *lexer) readDollarString() (string, bool) {
	end := strings.IndexByte(l.input[l.pos+1:], '$')
	if end < 0 {
		return "", false
	}
	tag := l.input[l.pos : l.pos+end+2]
	for _, c := range []byte(tag[1 : len(tag)-1]) {
		if !isLetter(c) && !isDigit(c) {
			return "", false
		}
	}
	bodyStart := l.pos + len(tag)
	closing := strings.Index(l.input[bodyStart:], tag)
	if closing < 0 {
		l.pos = len(l.input)
		return l.input[bodyStart:], true
	}
	l.pos = bodyStart + closing + len(tag)
	return l.input[bodyStart : bodyStart+closing], true
}

// firstStatement returns the tokens of the first non-empty statement.
func firstStatement(query string) []token {
	l := &lexer{input: query}
	var toks []token
	for {
		t := l.next()
		switch {
		case t.kind == tokEOF:
			return toks
		case t.kind == tokPunct && t.text == ";":
			if len(toks) > 0 {
				return toks
			}
		default:
			toks = append(toks, t)
		}
	}
}

func isLetter(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
