// Package drivers registers the database/sql backends the record store can
// open. Binaries import it; package tests pull it in only when they need a
// real database.
package drivers

import (
	"database/sql"
	"slices"
)

var known = []string{"sqlite", "chai", "genji", "duckdb", "pgx"}

// Available lists the record store drivers linked into this binary, in the
// order -db-type documents them.
func Available() []string {
	registered := sql.Drivers()
	out := make([]string, 0, len(known))
	for _, name := range known {
		if slices.Contains(registered, name) {
			out = append(out, name)
		}
	}
	return out
}
