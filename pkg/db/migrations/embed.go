// Package migrations holds the ledger schema as goose Go migrations.
package migrations

import "embed"

// FS exposes the migration sources so goose can resolve versions from file names.
//
//go:embed *.go
var FS embed.FS
