// Package migrations holds the audit-service schema.
package migrations

import (
	"embed"

	"github.com/alshifa-dental/scheduling/libs/db"
)

//go:embed sql/*.sql
var files embed.FS

func Migrate(databaseURL string, direction db.MigrateDirection) error {
	return db.Migrate(databaseURL, files, "sql", "audit_schema_migrations", direction)
}
