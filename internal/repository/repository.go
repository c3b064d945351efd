package repository

import (
	"context"
	"database/sql"
)

// execer lets shared statement helpers run against either the pool or an
// open transaction, so cross-table commits stay atomic.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
