package dialect

import "strings"

// ControlKind identifies a SQL-level transaction control statement.
type ControlKind int

// ControlNone means the statement is not transaction control.
const (
	ControlNone ControlKind = iota
	ControlBegin
	ControlCommit
	ControlRollback
	ControlSavepoint
	ControlRollbackTo
	ControlRelease
)

var controlNames = [...]string{
	ControlNone:       "none",
	ControlBegin:      "begin",
	ControlCommit:     "commit",
	ControlRollback:   "rollback",
	ControlSavepoint:  "savepoint",
	ControlRollbackTo: "rollback_to",
	ControlRelease:    "release",
}

func (k ControlKind) String() string {
	if k < 0 || int(k) >= len(controlNames) {
		return "unknown"
	}
	return controlNames[k]
}

// Control describes a transaction control statement. Savepoint is set for
// the savepoint kinds; unquoted names are folded to lower case.
type Control struct {
	Kind      ControlKind
	Savepoint string
}

// ParseControl implements Dialect.
func (Generic) ParseControl(query string) Control {
	return parseControlTokens(firstStatement(query))
}

// ParseControl recognizes BEGIN, START TRANSACTION, COMMIT, END, ROLLBACK,
// SAVEPOINT, ROLLBACK TO [SAVEPOINT] and RELEASE [SAVEPOINT] in the first
// statement of query.
func ParseControl(query string) Control {
	return parseControlTokens(firstStatement(query))
}

func parseControlTokens(toks []token) Control {
	if len(toks) == 0 {
		return Control{}
	}
	rest := toks[1:]
	switch toks[0].upper() {
	case "BEGIN":
		// BEGIN ... END blocks of procedural dialects are not transactions.
		if len(rest) > 0 && !isTransactionNoise(rest[0]) {
			return Control{}
		}
		return Control{Kind: ControlBegin}
	case "START":
		if len(rest) > 0 && rest[0].is("TRANSACTION") {
			return Control{Kind: ControlBegin}
		}
	case "COMMIT", "END":
		if len(rest) > 0 && rest[0].is("PREPARED") {
			return Control{}
		}
		return Control{Kind: ControlCommit}
	case "ROLLBACK", "ABORT":
		rest = skipNoise(rest)
		if len(rest) > 0 && rest[0].is("TO") {
			rest = rest[1:]
			if len(rest) > 0 && rest[0].is("SAVEPOINT") {
				rest = rest[1:]
			}
			if name, ok := savepointName(rest); ok {
				return Control{Kind: ControlRollbackTo, Savepoint: name}
			}
			return Control{}
		}
		if len(rest) > 0 && rest[0].is("PREPARED") {
			return Control{}
		}
		return Control{Kind: ControlRollback}
	case "SAVEPOINT":
		if name, ok := savepointName(rest); ok {
			return Control{Kind: ControlSavepoint, Savepoint: name}
		}
	case "RELEASE":
		if len(rest) > 0 && rest[0].is("SAVEPOINT") {
			rest = rest[1:]
		}
		if name, ok := savepointName(rest); ok {
			return Control{Kind: ControlRelease, Savepoint: name}
		}
	}
	return Control{}
}

func isTransactionNoise(t token) bool {
	switch t.upper() {
	case "TRANSACTION", "WORK", "DEFERRED", "IMMEDIATE", "EXCLUSIVE", "ISOLATION", "READ":
		return true
	}
	return false
}

func skipNoise(toks []token) []token {
	for len(toks) > 0 && (toks[0].is("WORK") || toks[0].is("TRANSACTION")) {
		toks = toks[1:]
	}
	return toks
}

func savepointName(toks []token) (string, bool) {
	if len(toks) == 0 {
		return "", false
	}
	switch toks[0].kind {
	case tokWord:
		return strings.ToLower(toks[0].text), true
	case tokQuoted:
		return toks[0].text, true
	}
	return "", false
}
