//go:build carapace_cgo_sqlite

package resumestore

import _ "github.com/mattn/go-sqlite3" // CGO driver, the production build

const driverName = "sqlite3"
