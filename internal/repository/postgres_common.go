package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *database.DB and pgx.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// isKey reports whether id can be a primary key. Anything else cannot exist,
// so lookups answer NotFound instead of a uuid syntax error.
func isKey(id string) bool {
	return uuid.Validate(id) == nil
}

// exists reports whether a tenant-scoped row with id exists in table.
func exists(ctx context.Context, q querier, table, tenantID, id string) (bool, error) {
	if !isKey(id) {
		return false, nil
	}
	var found bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID,
	).Scan(&found)
	return found, err
}

func strPtr[T ~string](p *T) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func enumPtr[T ~string](p *string) *T {
	if p == nil {
		return nil
	}
	v := T(*p)
	return &v
}
