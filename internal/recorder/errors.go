package recorder

import (
	"errors"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/mattn/go-sqlite3"

	"querymeta/internal/qmm"
)

// codedError attaches the vendor error code of known drivers so it is
// recorded on the execution. The caller still receives the original error.
func codedError(err error) error {
	if err == nil {
		return nil
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return &qmm.CodedError{Code: int(liteErr.ExtendedCode), Err: err}
	}
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		return &qmm.CodedError{Code: int(duckErr.Type), Err: err}
	}
	return err
}
