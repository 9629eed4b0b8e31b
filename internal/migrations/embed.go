// Package migrations embeds and applies the database schema.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS
