package dialect

import "strings"

// SplitStatements splits a script into statements on top-level semicolons.
// Semicolons inside literals, quoted identifiers, dollar-quoted bodies and
// comments do not split. Empty statements are dropped. Comments between
// statements are dropped; comments inside a statement are kept.
func SplitStatements(script string) []string {
	l := &lexer{input: script}
	var (
		out        []string
		start, end = -1, -1
	)
	flush := func() {
		if start >= 0 {
			out = append(out, script[start:end])
		}
		start, end = -1, -1
	}
	for {
		t := l.next()
		switch {
		case t.kind == tokEOF:
			flush()
			return out
		case t.kind == tokPunct && t.text == ";":
			flush()
		default:
			if start < 0 {
				start = t.start
			}
			end = t.end
		}
	}
}

// rowKeywords start statements that produce a result set.
var rowKeywords = map[string]bool{
	"SELECT":    true,
	"WITH":      true,
	"VALUES":    true,
	"TABLE":     true,
	"SHOW":      true,
	"DESCRIBE":  true,
	"DESC":      true,
	"SUMMARIZE": true,
	"PRAGMA":    true,
	"EXPLAIN":   true,
	"FROM":      true,
}

// ReturnsRows reports whether the first statement of query produces a
// result set: queries, introspection commands and DML with RETURNING.
func ReturnsRows(query string) bool {
	toks := firstStatement(query)
	for len(toks) > 0 && toks[0].kind == tokPunct && toks[0].text == "(" {
		toks = toks[1:]
	}
	if len(toks) == 0 || toks[0].kind != tokWord {
		return false
	}
	if rowKeywords[toks[0].upper()] {
		return true
	}
	for _, t := range toks[1:] {
		if t.is("RETURNING") {
			return true
		}
	}
	return false
}

// normalizeSpace collapses runs of whitespace, for compact display of
// statements in logs and tables.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Summarize returns the statement on one line, cut to at most n runes.
func Summarize(query string, n int) string {
	s := []rune(normalizeSpace(query))
	if n <= 0 || len(s) <= n {
		return string(s)
	}
	if n <= 3 {
		return string(s[:n])
	}
	return string(s[:n-3]) + "..."
}
