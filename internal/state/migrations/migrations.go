// Package migrations embeds the schema migrations for the local index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
