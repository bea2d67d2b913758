package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	relay "github.com/goliatone/go-relay"
	_ "github.com/mattn/go-sqlite3"
)

func TestSets_LoadsBothDialectsWithMatchingVersions(t *testing.T) {
	sets, err := Sets(nil)
	if err != nil {
		t.Fatalf("sets: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 dialect sets, got %d", len(sets))
	}
	if sets[0].Dialect != DialectPostgres || sets[1].Dialect != DialectSQLite {
		t.Fatalf("expected postgres then sqlite, got %q and %q", sets[0].Dialect, sets[1].Dialect)
	}
	want := []string{"00001_relay_rate_limits", "00002_relay_webhook_deliveries"}
	for _, set := range sets {
		if strings.Join(set.Versions, ",") != strings.Join(want, ",") {
			t.Fatalf("expected %s versions %v, got %v", set.Dialect, want, set.Versions)
		}
	}
}

func TestSets_RejectsMissingDownMigration(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_a.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.down.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := Sets(root); err == nil || !strings.Contains(err.Error(), "no down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestSets_RejectsDialectDrift(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_a.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_a.down.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00002_b.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00002_b.down.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.down.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := Sets(root); err == nil || !strings.Contains(err.Error(), "do not match") {
		t.Fatalf("expected version drift error, got %v", err)
	}
}

func TestSets_RejectsEmptyRoot(t *testing.T) {
	if _, err := Sets(fstest.MapFS{}); err == nil {
		t.Fatalf("expected error for root without migrations")
	}
}

func TestRegister_LimitsToRequestedDialect(t *testing.T) {
	var calls []string
	registered, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		if label != SourceLabel {
			t.Fatalf("expected %q source label, got %q", SourceLabel, label)
		}
		calls = append(calls, dialect)
		return nil
	}, WithDialects(" SQLite "))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}
	if len(registered) != 1 || registered[0].Dialect != DialectSQLite {
		t.Fatalf("expected sqlite set returned, got %#v", registered)
	}
}

func TestRegister_DefaultsToBothDialects(t *testing.T) {
	var calls []string
	if _, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if strings.Join(calls, ",") != "postgres,sqlite" {
		t.Fatalf("expected postgres and sqlite registrations, got %v", calls)
	}
}

func TestRegister_RejectsUnknownDialect(t *testing.T) {
	_, err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		t.Fatalf("register func must not run")
		return nil
	}, WithDialects("mysql"))
	if err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestRegister_RequiresRegisterFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil register function")
	}
}

func TestRegister_WrapsRegisterFuncError(t *testing.T) {
	_, err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		return errors.New("boom")
	}, WithDialects(DialectPostgres))
	if err == nil || !strings.Contains(err.Error(), "register postgres") {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func TestRelayMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := relay.GetMigrationsFS()
	for _, name := range []string{"00001_relay_rate_limits", "00002_relay_webhook_deliveries"} {
		paths := []string{
			"data/sql/migrations/" + name + ".up.sql",
			"data/sql/migrations/" + name + ".down.sql",
			"data/sql/migrations/sqlite/" + name + ".up.sql",
			"data/sql/migrations/sqlite/" + name + ".down.sql",
		}
		for _, migrationPath := range paths {
			content, err := fs.ReadFile(root, migrationPath)
			if err != nil {
				t.Fatalf("read migration %s: %v", migrationPath, err)
			}
			if strings.TrimSpace(string(content)) == "" {
				t.Fatalf("expected migration %s to have SQL content", migrationPath)
			}
		}
	}
}

func TestSQLiteRelayMigrations_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-relay?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	sqliteMigrations, err := fs.Sub(relay.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	for _, migration := range []string{
		"00001_relay_rate_limits.up.sql",
		"00002_relay_webhook_deliveries.up.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	var total, blocked int
	if err := db.QueryRowContext(ctx,
		`SELECT total_requests, blocked_requests FROM relay_rate_limit_stats WHERE id = 'global'`,
	).Scan(&total, &blocked); err != nil {
		t.Fatalf("read seeded stats row: %v", err)
	}
	if total != 0 || blocked != 0 {
		t.Fatalf("expected zeroed stats row, got total=%d blocked=%d", total, blocked)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO relay_rate_limit_rules (id, method, path, limit_count, window_seconds, strategy) VALUES (?, ?, ?, ?, ?, ?)`,
		"rule-1", "GET", "/api", 10, 60, "fixed",
	); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO relay_rate_limit_rules (id, method, path, limit_count, window_seconds, strategy) VALUES (?, ?, ?, ?, ?, ?)`,
		"rule-2", "GET", "/api", 5, 60, "fixed",
	); err == nil {
		t.Fatalf("expected unique (method, path) violation")
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO relay_rate_limit_rules (id, method, path, limit_count, window_seconds, strategy) VALUES (?, ?, ?, ?, ?, ?)`,
		"rule-3", "GET", "/zero", 0, 60, "fixed",
	); err == nil {
		t.Fatalf("expected limit_count check violation")
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO relay_deliveries (id, endpoint_id, event_id, status) VALUES (?, ?, ?, ?)`,
		"delivery-1", "missing-endpoint", "missing-event", "pending",
	); err == nil {
		t.Fatalf("expected foreign key violation for orphan delivery")
	}

	for _, migration := range []string{
		"00002_relay_webhook_deliveries.down.sql",
		"00001_relay_rate_limits.down.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("rollback migration %s: %v", migration, err)
		}
	}

	var remaining int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'relay_%'`,
	).Scan(&remaining); err != nil {
		t.Fatalf("count relay tables: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected all relay tables dropped, got %d", remaining)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	for _, statement := range strings.Split(string(content), "--bun:split") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
