//go:build !carapace_cgo_sqlite

package resumestore

import _ "modernc.org/sqlite" // pure-Go driver, the default/test build

const driverName = "sqlite"
