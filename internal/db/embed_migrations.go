package db

import "embed"

// Migrations holds the SQL files under internal/db/migrations. The migrate
// runner reads them through an iofs source driver.
//
//go:embed migrations/*.sql
var Migrations embed.FS
