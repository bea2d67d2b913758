package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const defaultPingTimeout = 5 * time.Second

type persistenceConfig struct {
	driver string
	server string
	debug  bool
	otelID string
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return defaultPingTimeout
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return c.otelID
}

type dialectSpec struct {
	driver    string
	migration string
	dialect   func() schema.Dialect
}

func resolveDialect(driver string) (dialectSpec, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return dialectSpec{
			driver:    "sqlite3",
			migration: migrations.DialectSQLite,
			dialect:   func() schema.Dialect { return sqlitedialect.New() },
		}, nil
	case "postgres", "pg":
		return dialectSpec{
			driver:    "postgres",
			migration: migrations.DialectPostgres,
			dialect:   func() schema.Dialect { return pgdialect.New() },
		}, nil
	default:
		return dialectSpec{}, core.ConfigurationError("persistence driver is not supported", map[string]string{
			"persistence.driver": fmt.Sprintf("driver %q is not supported", driver),
		})
	}
}

// NewClient opens the configured database through go-persistence-bun and
// registers the embedded migrations for the matching dialect. Migrations are
// applied when migrate is true.
func NewClient(ctx context.Context, cfg core.PersistenceConfig, serviceName string, migrate bool) (*persistence.Client, error) {
	spec, err := resolveDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, core.ConfigurationError("persistence dsn is required", map[string]string{
			"persistence.dsn": "must not be empty",
		})
	}

	sqlDB, err := sql.Open(spec.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", spec.driver, err)
	}
	if spec.driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}

	if strings.TrimSpace(serviceName) == "" {
		serviceName = "relay"
	}
	client, err := persistence.New(persistenceConfig{
		driver: spec.driver,
		server: dsn,
		debug:  cfg.Debug,
		otelID: serviceName,
	}, sqlDB, spec.dialect())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	if err := RegisterMigrations(ctx, client, spec.migration); err != nil {
		_ = client.Close()
		return nil, err
	}
	if migrate {
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return client, nil
}

func RegisterMigrations(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	_, err := migrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithDialects(dialect))
	return err
}
