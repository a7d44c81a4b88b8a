// Package migrations embeds the schema migration files so the migrator
// binary carries them.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
