//go:build windows && 386

package database

import (
	"database/sql"

	"github.com/lib/pq"
)

// pgx does not build for windows/386, so lib/pq is registered under the
// same "pgx" name and -db-type=pgx keeps working unchanged.
func init() {
	sql.Register("pgx", &pq.Driver{})
}
