// Package migrations embeds the Postgres schema so it ships with the binary.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
