package dialect

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InlineArgs renders query with positional placeholders (? and $N) replaced
// by SQL literals of args, for display in the query history. Placeholders
// inside literals and comments are left alone, as are placeholders without
// a matching argument.
func InlineArgs(query string, args []any) string {
	if len(args) == 0 {
		return query
	}
	l := &lexer{input: query}
	var sb strings.Builder
	last, next := 0, 0
	for {
		t := l.next()
		if t.kind == tokEOF {
			break
		}
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "?":
			if next >= len(args) {
				continue
			}
			sb.WriteString(query[last:t.start])
			sb.WriteString(Literal(args[next]))
			last = t.end
			next++
		case "$":
			if l.pos >= len(query) || !isDigit(query[l.pos]) {
				continue
			}
			n := l.next()
			idx, err := strconv.Atoi(n.text)
			if err != nil || idx < 1 || idx > len(args) {
				continue
			}
			sb.WriteString(query[last:t.start])
			sb.WriteString(Literal(args[idx-1]))
			last = n.end
		}
	}
	sb.WriteString(query[last:])
	return sb.String()
}

// Literal formats a driver value as a SQL literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(x)
	case []byte:
		return "X'" + hex.EncodeToString(x) + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return quote(x.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quote(x.String())
	default:
		return quote(fmt.Sprint(x))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
