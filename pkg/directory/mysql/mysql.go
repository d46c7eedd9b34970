// Package mysql provides a MySQL-backed placement directory.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/directory/sqlcommon"
	"github.com/loomdb/loom/pkg/logger"
)

var tracer = otel.Tracer("loom/pkg/directory/mysql")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mysql."+name)
}

// Datastore provides a MySQL based implementation of [directory.Directory].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ directory.Directory = (*Datastore)(nil)

// PrepareDSN rewrites the credentials of a MySQL DSN from cfg, keeping
// whatever the DSN already carries when cfg leaves a field unset.
func PrepareDSN(uri string, cfg *sqlcommon.Config) (string, error) {
	if cfg.Username == "" && cfg.Password == "" {
		return uri, nil
	}

	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("parse mysql connection dsn: %w", err)
	}

	if cfg.Username != "" {
		dsnCfg.User = cfg.Username
	}
	if cfg.Password != "" {
		dsnCfg.Passwd = cfg.Password
	}

	return dsnCfg.FormatDSN(), nil
}

// New creates a new [Datastore].
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}

	sqlcommon.ConfigurePool(db, cfg)

	if err := sqlcommon.WaitForReady(db, cfg); err != nil {
		return nil, err
	}

	collector, err := sqlcommon.RegisterCollector(db, cfg)
	if err != nil {
		return nil, err
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Locate see [directory.ShardDirectory].Locate.
func (m *Datastore) Locate(ctx context.Context, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	ctx, span := startTrace(ctx, "Locate")
	defer span.End()

	return sqlcommon.Locate(ctx, m.stbl, keyOrder, key)
}

// Resolve see [directory.PeerDirectory].Resolve.
func (m *Datastore) Resolve(ctx context.Context, node types.NodeID) (directory.PeerInfo, error) {
	ctx, span := startTrace(ctx, "Resolve")
	defer span.End()

	return sqlcommon.Resolve(ctx, m.stbl, node)
}

// Seed replaces the stored topology with topo.
func (m *Datastore) Seed(ctx context.Context, topo *directory.Topology) error {
	ctx, span := startTrace(ctx, "Seed")
	defer span.End()

	return sqlcommon.Seed(ctx, m.db, m.stbl, topo)
}

// Close see [directory.Directory].Close.
func (m *Datastore) Close() {
	if m.dbStatsCollector != nil {
		prometheus.Unregister(m.dbStatsCollector)
	}
	m.db.Close()
}
