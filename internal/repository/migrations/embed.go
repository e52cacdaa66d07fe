// Package migrations embeds the SQL schema. The DDL sticks to types both
// SQLite and PostgreSQL accept: TEXT ids, BIGINT unix-nano timestamps and
// INTEGER flags.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
