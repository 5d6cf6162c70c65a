// Package migrations embeds the MySQL schema for the checkout service.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
