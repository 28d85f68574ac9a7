// Package db embeds the goose migrations for the Postgres store.
package db

import "embed"

// Migrations holds the versioned schema, applied in file-name order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
