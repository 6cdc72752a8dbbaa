// Package migrations embeds the SQL files applied by `dietcare-server migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
