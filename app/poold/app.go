package poold

import (
	"context"
	"fmt"

	"github.com/canopy-network/poold/app/poold/types"
	"github.com/canopy-network/poold/pkg/db/clickhouse"
	"github.com/canopy-network/poold/pkg/engine"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/logging"
	"github.com/canopy-network/poold/pkg/metrics"
	"github.com/canopy-network/poold/pkg/oracle"
	"github.com/canopy-network/poold/pkg/orderbook"
	"github.com/canopy-network/poold/pkg/positions"
	"github.com/canopy-network/poold/pkg/redis"
	"github.com/canopy-network/poold/pkg/volume"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg := LoadConfig()

	pools, err := LoadPools(cfg.PoolsFile)
	if err != nil {
		logger.Fatal("Unable to load pools", zap.Error(err))
	}
	if len(pools) == 0 {
		logger.Warn("No pools configured, only explicit requests will be served", zap.String("pools_file", cfg.PoolsFile))
	}

	client, err := newLedgerClient(cfg, pools, logger)
	if err != nil {
		logger.Fatal("Unable to initialize ledger client", zap.Error(err))
	}

	store, err := positions.Open(cfg.DepositsFile, logger)
	if err != nil {
		logger.Fatal("Unable to load user deposits", zap.Error(err), zap.String("path", cfg.DepositsFile))
	}

	app := &types.App{
		Intents:        intents.NewRegistry(),
		Oracle:         oracle.New(oracle.DefaultRetention),
		Book:           orderbook.New(),
		Positions:      store,
		Volumes:        volume.NewTracker(),
		Metrics:        metrics.New(),
		RequestTimeout: cfg.RequestTimeout,
		TWAPWindow:     cfg.TWAPWindow,
		OrderTTL:       cfg.OrderTTL,
		Logger:         logger,
	}

	var sinks []events.Sink

	// Redis carries settlement events to websocket clients (optional)
	if cfg.RedisEnabled {
		app.RedisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - settlement events will not be streamed",
				zap.Error(err))
			app.RedisClient = nil
		} else {
			sinks = append(sinks, events.NewRedisSink(app.RedisClient))
			logger.Info("Redis client initialized for settlement events")
		}
	} else {
		logger.Info("Redis disabled - WebSocket real-time events will not be available")
	}

	// ClickHouse archives every settlement (optional)
	if cfg.ClickHouse {
		archive, archiveDB, err := newArchive(ctx, logger, cfg.ClickHouseDB)
		if err != nil {
			logger.Warn("Failed to initialize settlement archive - settlements will not be archived", zap.Error(err))
		} else {
			app.Archive, app.ArchiveDB = archive, archiveDB
			sinks = append(sinks, archive)
		}
	}

	app.Events = events.NewDispatcher(logger, events.DispatcherOpts{
		Workers:   cfg.EventWorkers,
		QueueSize: cfg.EventQueueSize,
		Dropped:   app.Metrics.EventsDropped,
	}, sinks...)

	app.Engine, err = engine.New(engine.Config{
		Pools:       poolIDs(pools),
		QueueSize:   cfg.QueueSize,
		Confirm:     cfg.Confirm,
		SyncTimeout: cfg.SyncTimeout,
	}, engine.Deps{
		Client:    client,
		Intents:   app.Intents,
		Oracle:    app.Oracle,
		Book:      app.Book,
		Positions: app.Positions,
		Volumes:   app.Volumes,
		Events:    app.Events,
		Metrics:   app.Metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Unable to initialize settlement engine", zap.Error(err))
	}

	if err := SetupScheduler(app, cfg.PollCron); err != nil {
		logger.Fatal("Unable to schedule poll", zap.Error(err), zap.String("cron", cfg.PollCron))
	}

	logger.Info("Pool settlement daemon initialized",
		zap.String("ledger_mode", cfg.LedgerMode),
		zap.Strings("pools", poolIDs(pools)),
		zap.Strings("event_sinks", app.Events.Sinks()))

	return app
}

func newLedgerClient(cfg Config, pools []PoolSpec, logger *zap.Logger) (ledger.Client, error) {
	switch cfg.LedgerMode {
	case LedgerModeHTTP:
		return ledger.NewHTTPClient(ledger.Opts{
			Endpoints: cfg.LedgerEndpoints,
			Keystore:  cfg.Keystore,
			RPS:       cfg.LedgerRPS,
			Burst:     cfg.LedgerBurst,
		}), nil
	case LedgerModeMemory:
		mem := ledger.NewMemory()
		for _, p := range pools {
			mem.CreateAccount(p.ID, p.seedAssets()...)
		}
		logger.Warn("Using the in-memory ledger, nothing is settled on chain")
		return mem, nil
	}
	return nil, fmt.Errorf("unknown LEDGER_MODE %q", cfg.LedgerMode)
}

func newArchive(ctx context.Context, logger *zap.Logger, dbName string) (*clickhouse.Archive, *clickhouse.Client, error) {
	client, err := clickhouse.New(ctx, logger, dbName)
	if err != nil {
		return nil, nil, err
	}
	archive := clickhouse.NewArchive(&client)
	if err := archive.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return archive, &client, nil
}

// SetupScheduler schedules the periodic scan. Each tick only queues a cycle; a
// tick that finds one already queued is dropped.
func SetupScheduler(app *types.App, spec string) error {
	logger := cronLogger{app.Logger.Named("cron").Sugar()}
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := app.Cron.AddFunc(spec, func() {
		if !app.Engine.TriggerPoll() {
			app.Logger.Debug("Poll already queued, skipping tick")
		}
	})
	return err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
