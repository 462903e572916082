// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
package migrations

import "embed"

// FS holds the golang-migrate up/down files for the background_jobs schema.
//
//go:embed *.sql
var FS embed.FS
