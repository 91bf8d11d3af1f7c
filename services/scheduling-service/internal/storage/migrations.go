package storage

import (
	"embed"

	"github.com/alshifa-dental/scheduling/libs/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "scheduling_schema_migrations"

// Migrate applies (or with db.MigrateDown, reverts) the scheduling schema.
func Migrate(databaseURL string, direction db.MigrateDirection) error {
	return db.Migrate(databaseURL, migrations, "migrations", migrationsTable, direction)
}
