// Package migrations embeds the SQL schema for bots, groups, messages and the relay queue.
package migrations

import "embed"

// FS holds the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
