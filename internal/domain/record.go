package domain

import "fmt"

// RecordKind tags the kind of a meta object. The set is closed.
type RecordKind int

// Meta object kinds.
const (
	KindConnection RecordKind = iota + 1
	KindTransaction
	KindSavepoint
	KindStatement
	KindExecution
)

func (k RecordKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransaction:
		return "transaction"
	case KindSavepoint:
		return "savepoint"
	case KindStatement:
		return "statement"
	case KindExecution:
		return "execution"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseRecordKind is the inverse of RecordKind.String.
func ParseRecordKind(s string) (RecordKind, error) {
	for k := KindConnection; k <= KindExecution; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, ErrValidation("unknown record kind %q", s)
}

// Purpose classifies why a statement was issued.
type Purpose int

// Statement purposes supplied by the caller that opens a statement.
const (
	PurposeUserQuery Purpose = iota
	PurposeUserScript
	PurposeUtility
	PurposeMeta
	PurposeDDL
	PurposeOther
)

var purposeNames = map[Purpose]string{
	PurposeUserQuery:  "USER",
	PurposeUserScript: "USER_SCRIPT",
	PurposeUtility:    "UTIL",
	PurposeMeta:       "META",
	PurposeDDL:        "DDL",
	PurposeOther:      "OTHER",
}

func (p Purpose) String() string {
	if s, ok := purposeNames[p]; ok {
		return s
	}
	return "OTHER"
}

// ParsePurpose maps a purpose name back to a Purpose. Unknown names map to
// PurposeOther.
func ParsePurpose(s string) Purpose {
	for p, name := range purposeNames {
		if name == s {
			return p
		}
	}
	return PurposeOther
}

// Tristate holds a commit outcome: unknown while open, true or false once
// the owning record is closed.
type Tristate int8

// Tristate values.
const (
	Unknown Tristate = iota
	True
	False
)

// TristateOf converts a bool to True or False.
func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// Known reports whether the value has been decided.
func (t Tristate) Known() bool { return t != Unknown }

// Bool returns the decided value; ok is false while Unknown.
func (t Tristate) Bool() (value, ok bool) {
	return t == True, t != Unknown
}

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}
