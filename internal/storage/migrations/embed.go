package migrations

import "embed"

// FS holds the SQL migrations of the local SQLite cache.
//
//go:embed *.sql
var FS embed.FS
