package dialect

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Postgres classifies with the PostgreSQL parser. Queries the parser
// rejects fall back to Generic.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return NamePostgres }

// IsTransactionModifying implements domain.DialectClassifier.
func (Postgres) IsTransactionModifying(query string) bool {
	stmt, ok := parseFirst(query)
	if !ok {
		return Generic{}.IsTransactionModifying(query)
	}
	if stmt == nil {
		return false
	}
	return nodeModifies(stmt)
}

// ParseControl implements Dialect.
func (Postgres) ParseControl(query string) Control {
	stmt, ok := parseFirst(query)
	if !ok {
		return ParseControl(query)
	}
	if stmt == nil {
		return Control{}
	}
	tx, isTx := stmt.Node.(*pg_query.Node_TransactionStmt)
	if !isTx {
		return Control{}
	}
	switch tx.TransactionStmt.Kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
		return Control{Kind: ControlBegin}
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
		return Control{Kind: ControlCommit}
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		return Control{Kind: ControlRollback}
	case pg_query.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
		return Control{Kind: ControlSavepoint, Savepoint: tx.TransactionStmt.SavepointName}
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
		return Control{Kind: ControlRollbackTo, Savepoint: tx.TransactionStmt.SavepointName}
	case pg_query.TransactionStmtKind_TRANS_STMT_RELEASE:
		return Control{Kind: ControlRelease, Savepoint: tx.TransactionStmt.SavepointName}
	}
	return Control{}
}

// parseFirst returns the first statement of query. ok is false if the
// parser rejected the text; stmt is nil for empty input.
func parseFirst(query string) (*pg_query.Node, bool) {
	result, err := pg_query.Parse(query)
	if err != nil {
		return nil, false
	}
	if len(result.Stmts) == 0 {
		return nil, true
	}
	return result.Stmts[0].Stmt, true
}

func nodeModifies(node *pg_query.Node) bool {
	if node == nil {
		return false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return selectStmtModifies(n.SelectStmt)
	case *pg_query.Node_VariableShowStmt, *pg_query.Node_VariableSetStmt:
		return false
	case *pg_query.Node_ExplainStmt:
		for _, opt := range n.ExplainStmt.Options {
			if def, ok := opt.Node.(*pg_query.Node_DefElem); ok && def.DefElem.Defname == "analyze" {
				return nodeModifies(n.ExplainStmt.Query)
			}
		}
		return false
	default:
		return true
	}
}

func selectStmtModifies(sel *pg_query.SelectStmt) bool {
	if sel == nil {
		return false
	}
	if sel.IntoClause != nil || len(sel.LockingClause) > 0 {
		return true
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok && nodeModifies(c.CommonTableExpr.Ctequery) {
				return true
			}
		}
	}
	return selectStmtModifies(sel.Larg) || selectStmtModifies(sel.Rarg)
}
