// Package migrations embeds the goose SQL migration files applied by
// internal/localstore. Kept as its own package so the embedded
// filesystem can be referenced without importing the rest of
// localstore.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
