// Package sqlite provides a SQLite-backed placement directory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/directory/sqlcommon"
	"github.com/loomdb/loom/pkg/logger"
)

var tracer = otel.Tracer("loom/pkg/directory/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [directory.Directory].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ directory.Directory = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN for use with SQLite, specifying defaults for
// journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore].
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
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
func (s *Datastore) Locate(ctx context.Context, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	ctx, span := startTrace(ctx, "Locate")
	defer span.End()

	return sqlcommon.Locate(ctx, s.stbl, keyOrder, key)
}

// Resolve see [directory.PeerDirectory].Resolve.
func (s *Datastore) Resolve(ctx context.Context, node types.NodeID) (directory.PeerInfo, error) {
	ctx, span := startTrace(ctx, "Resolve")
	defer span.End()

	return sqlcommon.Resolve(ctx, s.stbl, node)
}

// Seed replaces the stored topology with topo.
func (s *Datastore) Seed(ctx context.Context, topo *directory.Topology) error {
	ctx, span := startTrace(ctx, "Seed")
	defer span.End()

	return sqlcommon.Seed(ctx, s.db, s.stbl, topo)
}

// Close see [directory.Directory].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}
