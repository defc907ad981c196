// Package migrations holds the server schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
