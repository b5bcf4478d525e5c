package keg

import "embed"

// MigrationFS embeds all SQL migration files into the compiled binary, so a
// keg directory needs nothing but write permission to become a working
// store.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
