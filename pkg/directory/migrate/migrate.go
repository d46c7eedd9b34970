// Package migrate runs the schema migrations for the SQL-backed placement
// directories.
package migrate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/loomdb/loom/assets"
	"github.com/loomdb/loom/pkg/directory/mysql"
	"github.com/loomdb/loom/pkg/directory/postgres"
	"github.com/loomdb/loom/pkg/directory/sqlcommon"
	"github.com/loomdb/loom/pkg/directory/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
}

type engineInfo struct {
	dialect string
	driver  string
	dir     string
}

var engines = map[string]engineInfo{
	"sqlite":   {dialect: "sqlite", driver: "sqlite", dir: assets.SqliteMigrationDir},
	"postgres": {dialect: "postgres", driver: "pgx", dir: assets.PostgresMigrationDir},
	"mysql":    {dialect: "mysql", driver: "mysql", dir: assets.MySQLMigrationDir},
}

// prepareURI applies per-engine DSN handling and credential overrides.
func prepareURI(config MigrationConfig) (string, error) {
	cfg := sqlcommon.NewConfig(
		sqlcommon.WithUsername(config.Username),
		sqlcommon.WithPassword(config.Password),
	)

	switch config.Engine {
	case "sqlite":
		return sqlite.PrepareDSN(config.URI)
	case "postgres":
		return postgres.PrepareURI(config.URI, cfg)
	case "mysql":
		return mysql.PrepareDSN(config.URI, cfg)
	default:
		return config.URI, nil
	}
}

// RunMigrations migrates the directory schema of the configured engine to
// the target version, or all the way up when no target is set. The memory
// engine has no schema and is a no-op.
func RunMigrations(ctx context.Context, config MigrationConfig) error {
	if config.Engine == "memory" {
		log.Println("no migrations to run for `memory` directory")
		return nil
	}

	info, ok := engines[config.Engine]
	if !ok {
		return fmt.Errorf("no migrations for directory engine: %q", config.Engine)
	}

	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(config.Verbose)

	if err := goose.SetDialect(info.dialect); err != nil {
		return fmt.Errorf("set %s dialect: %w", config.Engine, err)
	}

	uri, err := prepareURI(config)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver(info.driver, uri)
	if err != nil {
		return fmt.Errorf("open %s connection: %w", config.Engine, err)
	}
	defer db.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, policy)
	if err != nil {
		return fmt.Errorf("initialize %s connection: %w", config.Engine, err)
	}

	goose.SetBaseFS(assets.EmbedMigrations)

	currentVersion, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get %s db version: %w", config.Engine, err)
	}

	log.Printf("%s current version %d", config.Engine, currentVersion)

	if config.TargetVersion == 0 {
		log.Printf("running all %s migrations", config.Engine)
		if err := goose.Up(db, info.dir); err != nil {
			return fmt.Errorf("run %s migrations: %w", config.Engine, err)
		}
		log.Printf("%s migration done", config.Engine)
		return nil
	}

	targetVersion := int64(config.TargetVersion)
	log.Printf("migrating %s to %d", config.Engine, targetVersion)

	switch {
	case targetVersion < currentVersion:
		if err := goose.DownTo(db, info.dir, targetVersion); err != nil {
			return fmt.Errorf("run %s migrations down to %v: %w", config.Engine, targetVersion, err)
		}
	case targetVersion > currentVersion:
		if err := goose.UpTo(db, info.dir, targetVersion); err != nil {
			return fmt.Errorf("run %s migrations up to %v: %w", config.Engine, targetVersion, err)
		}
	default:
		log.Printf("%s nothing to do", config.Engine)
		return nil
	}

	log.Printf("%s migration done", config.Engine)
	return nil
}

// GetCurrentVersion returns the schema version of the configured engine.
func GetCurrentVersion(config MigrationConfig) (int64, error) {
	info, ok := engines[config.Engine]
	if !ok {
		return 0, fmt.Errorf("no migrations for directory engine: %q", config.Engine)
	}

	if err := goose.SetDialect(info.dialect); err != nil {
		return 0, fmt.Errorf("set %s dialect: %w", config.Engine, err)
	}

	uri, err := prepareURI(config)
	if err != nil {
		return 0, err
	}

	db, err := goose.OpenDBWithDriver(info.driver, uri)
	if err != nil {
		return 0, fmt.Errorf("open %s connection: %w", config.Engine, err)
	}
	defer db.Close()

	goose.SetBaseFS(assets.EmbedMigrations)
	return goose.GetDBVersion(db)
}
