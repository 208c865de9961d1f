package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/poold/pkg/retry"
	"github.com/canopy-network/poold/pkg/utils"
	"go.uber.org/zap"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client is a ClickHouse connection used by the settlement archive. The
// connection stays on the DSN's database; TargetDatabase is addressed explicitly.
type Client struct {
	Logger         *zap.Logger
	Db             driver.Conn
	TargetDatabase string
	// Cluster enables ON CLUSTER DDL, empty on a single node.
	Cluster string
}

// New connects to CLICKHOUSE_ADDR, retrying until CLICKHOUSE_CONNECT_TIMEOUT.
func New(ctx context.Context, logger *zap.Logger, dbName string) (Client, error) {
	opts, err := Options(utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000"))
	if err != nil {
		return Client{}, err
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		opts.Debugf = logger.Named("clickhouse.driver").Sugar().Debugf
	}

	connCtx, cancel := context.WithTimeout(ctx, utils.EnvDuration("CLICKHOUSE_CONNECT_TIMEOUT", 30*time.Second))
	defer cancel()

	client := Client{
		Logger:         logger,
		TargetDatabase: dbName,
		Cluster:        utils.Env("CLICKHOUSE_CLUSTER", ""),
	}
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		conn, err := dial(connCtx, func() (driver.Conn, error) { return clickhouse.Open(opts) })
		if err != nil {
			return err
		}
		client.Db = conn
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	logger.Info("Connected to ClickHouse",
		zap.Strings("addr", opts.Addr),
		zap.String("database", dbName),
		zap.String("cluster", client.Cluster),
		zap.Int("max_open_conns", opts.MaxOpenConns))
	return client, nil
}

// dial opens a connection pool and pings it. A pool that fails the ping is closed.
func dial(ctx context.Context, open func() (driver.Conn, error)) (driver.Conn, error) {
	conn, err := open()
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

// Options parses a clickhouse:// DSN and fills what it leaves unset with the
// archive's defaults: a small pool, LZ4 and the default database and user.
func Options(dsn string) (*clickhouse.Options, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.Auth.Database == "" {
		opts.Auth.Database = "default"
	}
	if opts.Auth.Username == "" {
		opts.Auth.Username = "default"
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 4
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 2
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts, nil
}

// SanitizeName maps an identifier onto a valid ClickHouse database name.
func SanitizeName(id string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(id))
}

func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

func (c *Client) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.Db.Select(ctx, dest, query, args...)
}

func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

func (c *Client) Close() error {
	return c.Db.Close()
}

// OnCluster returns the ON CLUSTER clause so DDL reaches every replica.
func (c *Client) OnCluster() string {
	if c.Cluster == "" {
		return ""
	}
	return "ON CLUSTER " + c.Cluster
}

// CreateDbIfNotExists creates dbName with the Atomic engine.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	c.Logger.Info("Creating archive database", zap.String("database", dbName))
	return c.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s %s ENGINE = Atomic", dbName, c.OnCluster()))
}
