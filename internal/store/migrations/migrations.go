// Package migrations embeds the goose migrations for the local cache database.
package migrations

import "embed"

// FS holds the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
