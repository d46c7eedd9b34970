// Package sqlcommon holds the configuration and query logic shared by the
// SQL-backed placement directories.
package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/logger"
)

var tracer = otel.Tracer("pkg/directory/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the number of maximum
// open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the maximum number of
// idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets the maximum
// duration a connection may sit idle in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets the maximum
// lifetime of a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return cfg
}

// ConfigurePool applies the connection pool limits from cfg to db.
func ConfigurePool(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns) // default is 2, not retaining connections(0) would be detrimental for performance
	}

	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// WaitForReady pings db with exponential backoff until it responds or a
// minute elapses.
func WaitForReady(db *sql.DB, cfg *Config) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// RegisterCollector registers a DBStats collector for db when metrics export
// is enabled. The caller unregisters the returned collector on Close.
func RegisterCollector(db *sql.DB, cfg *Config) (prometheus.Collector, error) {
	if !cfg.ExportMetrics {
		return nil, nil
	}
	collector := collectors.NewDBStatsCollector(db, build.ProjectName)
	if err := prometheus.Register(collector); err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	return collector, nil
}

// Locate runs the partition lookup shared by the SQL directories: the row
// with the greatest low key at or below the probe, verified to cover it.
func Locate(ctx context.Context, stbl sq.StatementBuilderType, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Locate")
	defer span.End()

	row := stbl.
		Select("shard_id", "node_id", "low_key", "high_key").
		From("partition_map").
		Where(sq.Eq{"key_order": string(keyOrder)}).
		Where(sq.LtOrEq{"low_key": key}).
		OrderBy("low_key DESC").
		Limit(1).
		QueryRowContext(ctx)

	var (
		shard   uint32
		nodeStr string
		lowKey  []byte
		highKey []byte
	)
	if err := row.Scan(&shard, &nodeStr, &lowKey, &highKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.PartitionLocator{}, locateMiss(ctx, stbl, keyOrder, key)
		}
		return directory.PartitionLocator{}, fmt.Errorf("sql error: %w", err)
	}

	node, err := uuid.Parse(nodeStr)
	if err != nil {
		return directory.PartitionLocator{}, fmt.Errorf("corrupt node id %q in partition_map: %w", nodeStr, err)
	}

	locator := directory.PartitionLocator{
		KeyOrder: keyOrder,
		Shard:    types.ShardID(shard),
		Node:     node,
		LowKey:   lowKey,
		HighKey:  highKey,
	}
	if !locator.Covers(keyOrder, key) {
		return directory.PartitionLocator{}, fmt.Errorf("%w: %q/%q", directory.ErrShardNotFound, keyOrder, key)
	}
	return locator, nil
}

// locateMiss distinguishes an unknown key order from a key that falls below
// every partition of a known one.
func locateMiss(ctx context.Context, stbl sq.StatementBuilderType, keyOrder types.KeyOrder, key []byte) error {
	var n int
	err := stbl.
		Select("COUNT(*)").
		From("partition_map").
		Where(sq.Eq{"key_order": string(keyOrder)}).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return fmt.Errorf("sql error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", directory.ErrUnknownKeyOrder, keyOrder)
	}
	return fmt.Errorf("%w: %q/%q", directory.ErrShardNotFound, keyOrder, key)
}

// Resolve runs the peer address lookup shared by the SQL directories.
func Resolve(ctx context.Context, stbl sq.StatementBuilderType, node types.NodeID) (directory.PeerInfo, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.Resolve")
	defer span.End()

	var addr string
	err := stbl.
		Select("addr").
		From("peer").
		Where(sq.Eq{"node_id": node.String()}).
		QueryRowContext(ctx).
		Scan(&addr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.PeerInfo{}, fmt.Errorf("%w: %s", directory.ErrPeerNotFound, node)
		}
		return directory.PeerInfo{}, fmt.Errorf("sql error: %w", err)
	}

	return directory.PeerInfo{Node: node, Addr: addr}, nil
}

// Seed replaces the stored topology with the contents of topo, atomically.
func Seed(ctx context.Context, db *sql.DB, stbl sq.StatementBuilderType, topo *directory.Topology) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.Seed")
	defer span.End()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed txn: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	txbl := stbl.RunWith(tx)

	if _, err := txbl.Delete("partition_map").ExecContext(ctx); err != nil {
		return fmt.Errorf("clear partition_map: %w", err)
	}
	if _, err := txbl.Delete("peer").ExecContext(ctx); err != nil {
		return fmt.Errorf("clear peer: %w", err)
	}

	for _, info := range topo.PeerInfos() {
		_, err := txbl.
			Insert("peer").
			Columns("node_id", "addr").
			Values(info.Node.String(), info.Addr).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("insert peer %s: %w", info.Node, err)
		}
	}

	for keyOrder, locators := range topo.Locators() {
		for _, l := range locators {
			_, err := txbl.
				Insert("partition_map").
				Columns("key_order", "shard_id", "node_id", "low_key", "high_key").
				Values(string(keyOrder), uint32(l.Shard), l.Node.String(), l.LowKey, l.HighKey).
				ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("insert partition %s: %w", l, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed txn: %w", err)
	}
	return nil
}
