// Package migrations embeds the PostgreSQL schema for the status tracker so
// it is available regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
