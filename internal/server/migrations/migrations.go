// Package migrations embeds the goose SQL migrations of the event log.
// Current-state, relation and view tables are model driven and created by
// their repositories.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
