package modules

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the SQL migrations of the module tables, for hosts
// that run their own migrator instead of CreateSchema.
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// ApplyMigrations runs every embedded *.up.sql file in lexical order.
func ApplyMigrations(ctx context.Context, db bun.IDB) error {
	files, err := fs.Glob(migrationsFS, "data/sql/migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := migrationsFS.ReadFile(file)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(data), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return NewTransactionError(err, "migration "+file+" failed")
			}
		}
	}
	return nil
}
