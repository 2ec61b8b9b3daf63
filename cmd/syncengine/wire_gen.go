// wire_gen.go assembles the engine.Context and long-lived singletons
// (pool, redis client, list backend client) from a loaded config.Config.
// Hand-written in the style of a generated wire injector (SPEC_FULL.md
// §2A): one function, linear construction order, no hidden globals.
package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/cdc"
	"github.com/jare20895/ArcoreSyncBridge/internal/config"
	"github.com/jare20895/ArcoreSyncBridge/internal/definitions"
	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/ledger"
	"github.com/jare20895/ArcoreSyncBridge/internal/listbackend"
	"github.com/jare20895/ArcoreSyncBridge/internal/logging"
	"github.com/jare20895/ArcoreSyncBridge/internal/orchestrator"
	"github.com/jare20895/ArcoreSyncBridge/internal/sourcedb"
)

// app bundles the wired engine.Context alongside the singletons whose
// lifecycle the CLI owns directly (pool/redis close, CDC supervisor).
type app struct {
	ec         engine.Context
	controlDB  *pgxpool.Pool
	sourceDB   *pgxpool.Pool
	rdb        *redis.Client
	supervisor *orchestrator.CDCSupervisor
	orch       *orchestrator.Orchestrator
}

// wireApp loads configPath and constructs every port the engine needs.
//
// controlDB (ledger, runs, control-plane definitions) and sourceDB (the
// monitored table this process instance watches) are deliberately separate
// pools: SPEC_FULL.md's [database] section is the engine-owned store, while
// [source] is the operator-supplied connection for the source instance this
// process is deployed against. A SyncSource's own ConnectionDSN is
// control-plane metadata describing which instance a definition binds to,
// not a per-process runtime override.
func wireApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	log, err := logging.New(cfg.LogLevel, debug)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	controlDB, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect control-plane database")
	}

	ledgerStore := ledger.New(controlDB, log)
	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		return nil, errors.Wrap(err, "ensure ledger schema")
	}

	sourcePool, err := pgxpool.New(ctx, cfg.Source.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect source database")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	queue := cdc.NewRedisQueue(rdb)

	defRepo := definitions.NewCachingRepository(definitions.NewRepo(controlDB), log)

	fetcher := &listbackend.ClientCredentialsFetcher{
		TokenURL:     cfg.ListBackend.TokenURL,
		ClientID:     cfg.ListBackend.ClientID,
		ClientSecret: cfg.ListBackend.ClientSecret,
	}
	listClient := listbackend.New(cfg.ListBackend.BaseURL, fetcher, http.DefaultClient, log)

	// The replication connection is optional: run push/ingress/move/report
	// never call OpenReplication, and a source that isn't wired for
	// logical replication yet shouldn't block those commands from starting.
	replConn, err := sourcedb.DialReplicationConn(ctx, cfg.Source.DSN, cfg.CDC.PublicationName)
	if err != nil {
		log.Warn("replication connection unavailable; cdc commands will fail", zap.Error(err))
	}
	sourceAdapter := sourcedb.New(sourcePool, replConn, log)

	ec := engine.Context{
		Definitions: defRepo,
		SourceDB:    sourceAdapter,
		ListBackend: listClient,
		Queue:       queue,
		Ledger:      ledgerStore,
		Runs:        ledgerStore,
		Clock:       engine.SystemClock,
		Log:         log,
	}

	return &app{
		ec:         ec,
		controlDB:  controlDB,
		sourceDB:   sourcePool,
		rdb:        rdb,
		supervisor: orchestrator.NewCDCSupervisor(ec),
		orch:       orchestrator.New(ec),
	}, nil
}

func (a *app) Close() {
	a.controlDB.Close()
	a.sourceDB.Close()
	_ = a.rdb.Close()
}
