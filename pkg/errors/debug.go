package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorDump flattens an error chain for logging. The pg fields are filled
// from whichever postgres driver error sits in the chain.
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

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for link := err; link != nil; link = errors.Unwrap(link) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", link, link))
	}

	var (
		pgErr *pgconn.PgError
		pqErr *pq.Error
	)
	if errors.As(err, &pgErr) {
		d.PGCode, d.PGConstraint = pgErr.Code, pgErr.ConstraintName
		d.PGTable, d.PGColumn = pgErr.TableName, pgErr.ColumnName
		d.PGDetail, d.PGMessage = pgErr.Detail, pgErr.Message
	} else if errors.As(err, &pqErr) {
		d.PGCode, d.PGConstraint = string(pqErr.Code), pqErr.Constraint
		d.PGTable, d.PGColumn = pqErr.Table, pqErr.Column
		d.PGDetail, d.PGMessage = pqErr.Detail, pqErr.Message
	}
	return d
}

// Fields returns the non-empty parts of d keyed for structured logs.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{"error_chain": d.Chain}
	for key, value := range map[string]string{
		"pg_code":       d.PGCode,
		"pg_constraint": d.PGConstraint,
		"pg_table":      d.PGTable,
		"pg_column":     d.PGColumn,
		"pg_detail":     d.PGDetail,
		"pg_message":    d.PGMessage,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
