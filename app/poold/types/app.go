package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/poold/pkg/db/clickhouse"
	"github.com/canopy-network/poold/pkg/engine"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/metrics"
	"github.com/canopy-network/poold/pkg/oracle"
	"github.com/canopy-network/poold/pkg/orderbook"
	"github.com/canopy-network/poold/pkg/positions"
	"github.com/canopy-network/poold/pkg/redis"
	"github.com/canopy-network/poold/pkg/volume"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type App struct {
	// Engine owns the ledger client. Every ledger operation goes through its queue.
	Engine *engine.Engine

	// Shared state: written by the engine, read concurrently by the gateway.
	Intents   *intents.Registry
	Oracle    *oracle.Oracle
	Book      *orderbook.Book
	Positions *positions.Store
	Volumes   *volume.Tracker

	Metrics *metrics.Metrics
	Events  *events.Dispatcher

	// RedisClient is nil when Redis is disabled.
	RedisClient *redis.Client
	// Archive is nil when ClickHouse is disabled.
	Archive   *clickhouse.Archive
	ArchiveDB *clickhouse.Client

	// Cron triggers the periodic scan.
	Cron *cron.Cron

	// RequestTimeout bounds how long a handler waits for an engine reply.
	RequestTimeout time.Duration
	TWAPWindow     time.Duration
	OrderTTL       time.Duration

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start runs the engine, the scheduler and the HTTP server until ctx is done. An
// engine crash is fatal.
func (a *App) Start(ctx context.Context) {
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engineErr := make(chan error, 1)
	go func() { engineErr <- a.Engine.Run(engineCtx) }()

	a.Cron.Start()
	a.Logger.Info("Scheduler started")

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	var crashed error
	select {
	case <-ctx.Done():
	case crashed = <-engineErr:
		if crashed == nil {
			crashed = errors.New("settlement engine exited")
		}
		a.Logger.Error("Settlement engine stopped unexpectedly, shutting down", zap.Error(crashed))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-a.Cron.Stop().Done()
	_ = a.Server.Shutdown(shutdownCtx)

	// The gateway has drained; no new requests can reach the engine.
	stopEngine()
	<-a.Engine.Done()

	a.Events.Close()
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}
	if a.ArchiveDB != nil {
		if err := a.ArchiveDB.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	if crashed != nil {
		a.Logger.Fatal("Settlement engine crashed", zap.Error(crashed))
	}
	a.Logger.Info("さようなら!")
}
