//go:build dragonfly || ios || freebsd || darwin || (linux && ppc64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && mips64) || (linux && mips64le) || (linux && arm64) || android || (windows && amd64) || (windows && arm64)

package drivers

import (
	"database/sql"
	"database/sql/driver"

	sqlite "modernc.org/sqlite"
)

// "chai" opens the same SQLite files through the modernc backend, so the
// name stays usable on platforms without a native chai build.
func init() {
	sql.Register("chai", driver.Driver(&sqlite.Driver{}))
}
