// Package migrations embeds the SQL schema applied to both databases.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
