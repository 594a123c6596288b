// Package migrations embeds the workflow and job queue schema so every
// binary carries the SQL it was built against.
package migrations

import "embed"

// FS holds the NNNNNN_name.{up,down}.sql files.
//
//go:embed *.sql
var FS embed.FS
