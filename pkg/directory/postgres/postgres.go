// Package postgres provides a PostgreSQL-backed placement directory.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/directory/sqlcommon"
	"github.com/loomdb/loom/pkg/logger"
)

var tracer = otel.Tracer("loom/pkg/directory/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of
// [directory.Directory].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ directory.Directory = (*Datastore)(nil)

// PrepareURI rewrites the user info of uri from cfg, keeping whatever the
// URI already carries when cfg leaves a field unset.
func PrepareURI(uri string, cfg *sqlcommon.Config) (string, error) {
	if cfg.Username == "" && cfg.Password == "" {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse postgres connection uri: %w", err)
	}

	username := cfg.Username
	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	switch {
	case cfg.Password != "":
		parsed.User = url.UserPassword(username, cfg.Password)
	case parsed.User != nil:
		if password, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, password)
		} else {
			parsed.User = url.User(username)
		}
	default:
		parsed.User = url.User(username)
	}

	return parsed.String(), nil
}

// New creates a new [Datastore].
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareURI(uri, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
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
		stbl:             sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Locate see [directory.ShardDirectory].Locate.
func (p *Datastore) Locate(ctx context.Context, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	ctx, span := startTrace(ctx, "Locate")
	defer span.End()

	return sqlcommon.Locate(ctx, p.stbl, keyOrder, key)
}

// Resolve see [directory.PeerDirectory].Resolve.
func (p *Datastore) Resolve(ctx context.Context, node types.NodeID) (directory.PeerInfo, error) {
	ctx, span := startTrace(ctx, "Resolve")
	defer span.End()

	return sqlcommon.Resolve(ctx, p.stbl, node)
}

// Seed replaces the stored topology with topo.
func (p *Datastore) Seed(ctx context.Context, topo *directory.Topology) error {
	ctx, span := startTrace(ctx, "Seed")
	defer span.End()

	return sqlcommon.Seed(ctx, p.db, p.stbl, topo)
}

// Close see [directory.Directory].Close.
func (p *Datastore) Close() {
	if p.dbStatsCollector != nil {
		prometheus.Unregister(p.dbStatsCollector)
	}
	p.db.Close()
}
