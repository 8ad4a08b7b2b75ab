// Package migrations embeds the goose migration files for the tabs
// engine's sqlite store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
