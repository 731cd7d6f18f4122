// Package migrations embeds the postgres schema migrations so binaries and
// tests can apply them without a checkout on disk.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files in this directory
//
//go:embed *.sql
var FS embed.FS
