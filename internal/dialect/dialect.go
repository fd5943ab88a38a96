// Package dialect classifies SQL text for the query meta model: whether a
// query touches transaction state, and whether it is itself a transaction
// control statement.
package dialect

import (
	"strings"

	"querymeta/internal/domain"
)

// Dialect is the SQL knowledge the recorder needs from a backend.
type Dialect interface {
	domain.DialectClassifier
	Name() string
	ParseControl(query string) Control
}

// Known dialect names.
const (
	NameGeneric  = "generic"
	NameSQLite   = "sqlite"
	NameDuckDB   = "duckdb"
	NamePostgres = "postgres"
)

// Lookup returns the dialect registered under name. Driver names are
// accepted as aliases.
func Lookup(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameGeneric:
		return Generic{}, nil
	case NameSQLite, "sqlite3":
		return Generic{name: NameSQLite}, nil
	case NameDuckDB:
		return Generic{name: NameDuckDB}, nil
	case NamePostgres, "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, domain.ErrValidation("unknown SQL dialect %q", name)
	}
}

// ClassifierFor adapts Lookup to qmm.WithDialects. Unknown names resolve to
// nil so the collector falls back to its default classifier.
func ClassifierFor(name string) domain.DialectClassifier {
	d, err := Lookup(name)
	if err != nil {
		return nil
	}
	return d
}

// Generic classifies by leading keyword. It is used for SQLite, DuckDB and
// any backend without a dedicated parser.
type Generic struct {
	name string
}

// Name implements Dialect.
func (g Generic) Name() string {
	if g.name == "" {
		return NameGeneric
	}
	return g.name
}

// readOnlyKeywords start statements that never change transaction state.
var readOnlyKeywords = map[string]bool{
	"SELECT":    true,
	"VALUES":    true,
	"TABLE":     true,
	"SHOW":      true,
	"USE":       true,
	"SET":       true,
	"DESCRIBE":  true,
	"DESC":      true,
	"SUMMARIZE": true,
}

// IsTransactionModifying reports whether the first statement of query may
// modify data or transaction state. Empty queries and comments are not.
func (Generic) IsTransactionModifying(query string) bool {
	return modifyingTokens(firstStatement(query))
}

func modifyingTokens(toks []token) bool {
	// Skip leading parentheses of "(SELECT ...) UNION ...".
	for len(toks) > 0 && toks[0].kind == tokPunct && toks[0].text == "(" {
		toks = toks[1:]
	}
	if len(toks) == 0 || toks[0].kind != tokWord {
		return false
	}
	switch kw := toks[0].upper(); {
	case kw == "SELECT":
		return selectModifies(toks[1:])
	case kw == "WITH":
		return withModifies(toks[1:])
	case kw == "EXPLAIN":
		return explainModifies(toks[1:])
	case readOnlyKeywords[kw]:
		return false
	default:
		return true
	}
}

// selectModifies detects SELECT ... INTO and row locking clauses.
func selectModifies(toks []token) bool {
	depth := 0
	for i, t := range toks {
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		if t.is("INTO") {
			return true
		}
		if t.is("FOR") && i+1 < len(toks) {
			switch toks[i+1].upper() {
			case "UPDATE", "SHARE", "NO", "KEY":
				return true
			}
		}
	}
	return false
}

// withModifies detects data-modifying common table expressions and a
// data-modifying main statement.
func withModifies(toks []token) bool {
	for _, t := range toks {
		switch t.upper() {
		case "INSERT", "UPDATE", "DELETE", "MERGE":
			return true
		}
	}
	return selectModifies(toks)
}

// explainModifies treats EXPLAIN as read-only unless it runs the statement.
func explainModifies(toks []token) bool {
	analyze := false
	for len(toks) > 0 {
		switch {
		case toks[0].is("ANALYZE") || toks[0].is("ANALYSE"):
			analyze = true
		case toks[0].is("VERBOSE") || toks[0].is("QUERY") || toks[0].is("PLAN"):
		case toks[0].kind == tokPunct && toks[0].text == "(":
			// EXPLAIN (ANALYZE, FORMAT JSON) ...
			end := 1
			for end < len(toks) && !(toks[end].kind == tokPunct && toks[end].text == ")") {
				if toks[end].is("ANALYZE") || toks[end].is("ANALYSE") {
					analyze = true
				}
				end++
			}
			toks = toks[min(end, len(toks)-1):]
		default:
			if !analyze {
				return false
			}
			return modifyingTokens(toks)
		}
		toks = toks[1:]
	}
	return false
}
