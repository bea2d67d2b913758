package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	relay "github.com/goliatone/go-relay"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	SourceLabel = "go-relay"

	migrationsDir = "data/sql/migrations"
)

// Set is the migration directory of one dialect. Versions lists the
// migration names without the .up.sql suffix, in apply order.
type Set struct {
	Dialect  string
	Path     string
	FS       fs.FS
	Versions []string
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type registerConfig struct {
	root     fs.FS
	dialects []string
}

type Option func(*registerConfig)

// WithDialects limits registration to the given dialects.
func WithDialects(dialects ...string) Option {
	return func(c *registerConfig) {
		next := make([]string, 0, len(dialects))
		for _, dialect := range dialects {
			dialect = strings.ToLower(strings.TrimSpace(dialect))
			if dialect != "" && !slices.Contains(next, dialect) {
				next = append(next, dialect)
			}
		}
		if len(next) > 0 {
			c.dialects = next
		}
	}
}

// WithRoot reads migrations from root instead of the embedded schema.
func WithRoot(root fs.FS) Option {
	return func(c *registerConfig) {
		if root != nil {
			c.root = root
		}
	}
}

// Sets loads the postgres and sqlite directories under root, or the embedded
// schema when root is nil. Every up file needs a down file and both dialects
// must ship the same versions.
func Sets(root fs.FS) ([]Set, error) {
	if root == nil {
		root = relay.GetMigrationsFS()
	}
	base, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsDir, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite directory: %w", err)
	}

	sets := []Set{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: base},
		{Dialect: DialectSQLite, Path: migrationsDir + "/" + DialectSQLite, FS: sqliteFS},
	}
	for i := range sets {
		versions, err := versionsOf(sets[i].FS)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s (%s): %w", sets[i].Dialect, sets[i].Path, err)
		}
		sets[i].Versions = versions
	}
	if !slices.Equal(sets[0].Versions, sets[1].Versions) {
		return nil, fmt.Errorf(
			"migrations: postgres versions %v do not match sqlite versions %v",
			sets[0].Versions,
			sets[1].Versions,
		)
	}
	return sets, nil
}

// Register hands each selected dialect directory to fn and returns the sets
// it registered.
func Register(ctx context.Context, fn RegisterFunc, opts ...Option) ([]Set, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	cfg := registerConfig{dialects: []string{DialectPostgres, DialectSQLite}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	for _, dialect := range cfg.dialects {
		if dialect != DialectPostgres && dialect != DialectSQLite {
			return nil, fmt.Errorf("migrations: dialect %q is not supported", dialect)
		}
	}

	sets, err := Sets(cfg.root)
	if err != nil {
		return nil, err
	}
	registered := make([]Set, 0, len(cfg.dialects))
	for _, set := range sets {
		if !slices.Contains(cfg.dialects, set.Dialect) {
			continue
		}
		if err := fn(ctx, set.Dialect, SourceLabel, set.FS); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", set.Dialect, err)
		}
		registered = append(registered, set)
	}
	return registered, nil
}

func versionsOf(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("no *.up.sql files")
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("%s has no down migration", up)
		}
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions, nil
}
