package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/stock?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/stock?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/stock", migrateURL("postgresql://localhost/stock"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}

func TestLedgerSchemaGuardsCounters(t *testing.T) {
	raw, err := fs.ReadFile(migrationFS, "migrations/000001_stock_ledger.up.sql")
	require.NoError(t, err)
	sql := string(raw)
	require.Contains(t, sql, "CHECK (available_stock >= 0)")
	require.Contains(t, sql, "CHECK (reserved_stock >= 0)")
	require.Contains(t, sql, "ON DELETE RESTRICT")
}
