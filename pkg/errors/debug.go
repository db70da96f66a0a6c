package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the pipeline reacts to.
const (
	SQLStateUniqueViolation    = "23505"
	SQLStateIdleSessionTimeout = "57P05"
	SQLStateAdminShutdown      = "57P01"
)

// ErrorDump is the log-friendly view of an error chain.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

type pgFields struct {
	code, constraint, table, column, detail, message string
}

// pgError finds the first server error in the chain from either driver: pgx
// on the LISTEN connection, lib/pq under goose.
func pgError(err error) (pgFields, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgFields{pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.ColumnName, pgxErr.Detail, pgxErr.Message}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgFields{string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Column, pqErr.Detail, pqErr.Message}, true
	}
	return pgFields{}, false
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	if pg, ok := pgError(err); ok {
		d.PGCode, d.PGConstraint, d.PGTable = pg.code, pg.constraint, pg.table
		d.PGColumn, d.PGDetail, d.PGMessage = pg.column, pg.detail, pg.message
	}
	return d
}

// PGCode returns the SQLSTATE carried anywhere in err's chain, if any.
func PGCode(err error) string {
	pg, _ := pgError(err)
	return pg.code
}
