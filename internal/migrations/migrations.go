// Package migrations carries the calsync schema as embedded SQL files.
package migrations

import "embed"

// Files holds every migration compiled into the binary, named
// NNN_description.sql. store.ApplyMigrations replays them in lexical order
// at startup, so the numeric prefix is the ordering.
//
//go:embed *.sql
var Files embed.FS
