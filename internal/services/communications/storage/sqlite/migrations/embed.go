package migrations

import "embed"

// FS contains embedded SQLite migrations for communications storage.
//
//go:embed *.sql
var FS embed.FS
