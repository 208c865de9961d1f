package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/utils"
	"go.uber.org/zap"
)

const SettlementsTable = "settlements"

// SettlementRow is one archived settlement outcome.
type SettlementRow struct {
	EventID   string    `ch:"event_id"`
	Type      string    `ch:"type"`
	PoolID    string    `ch:"pool_id"`
	NoteID    string    `ch:"note_id"`
	OrderID   string    `ch:"order_id"`
	TxID      string    `ch:"tx_id"`
	UserID    string    `ch:"user_id"`
	SellAsset string    `ch:"sell_asset"`
	BuyAsset  string    `ch:"buy_asset"`
	AmountIn  uint64    `ch:"amount_in"`
	AmountOut uint64    `ch:"amount_out"`
	FeeBps    uint16    `ch:"fee_bps"`
	Price     float64   `ch:"price"`
	Ambiguous uint8     `ch:"ambiguous"`
	Timestamp time.Time `ch:"timestamp"`
}

func settlementRow(evt events.Event) SettlementRow {
	return SettlementRow{
		EventID:   evt.ID,
		Type:      string(evt.Type),
		PoolID:    evt.PoolID,
		NoteID:    evt.NoteID,
		OrderID:   evt.OrderID,
		TxID:      evt.TxID,
		UserID:    evt.UserID,
		SellAsset: evt.SellAsset,
		BuyAsset:  evt.BuyAsset,
		AmountIn:  evt.AmountIn,
		AmountOut: evt.AmountOut,
		FeeBps:    evt.FeeBps,
		Price:     evt.Price,
		Ambiguous: utils.BoolToUInt8(evt.Ambiguous()),
		Timestamp: evt.Timestamp,
	}
}

// Archive appends settlement events to a ClickHouse table. It implements events.Sink.
type Archive struct {
	client *Client
	db     string
}

func NewArchive(client *Client) *Archive {
	return &Archive{client: client, db: SanitizeName(client.TargetDatabase)}
}

func (a *Archive) table() string {
	return fmt.Sprintf("%s.%s", a.db, SettlementsTable)
}

// InitializeDB creates the archive database and table.
func (a *Archive) InitializeDB(ctx context.Context) error {
	if err := a.client.CreateDbIfNotExists(ctx, a.db); err != nil {
		return fmt.Errorf("create database %s: %w", a.db, err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s %s (
			event_id String,
			type LowCardinality(String),
			pool_id String,
			note_id String,
			order_id String,
			tx_id String,
			user_id String,
			sell_asset String,
			buy_asset String,
			amount_in UInt64,
			amount_out UInt64,
			fee_bps UInt16,
			price Float64,
			ambiguous UInt8,
			timestamp DateTime64(6)
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY (pool_id, timestamp, event_id)`, a.table(), a.client.OnCluster())
	if err := a.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", a.table(), err)
	}
	a.client.Logger.Info("Settlement archive ready", zap.String("table", a.table()))
	return nil
}

func (a *Archive) Name() string { return "clickhouse" }

// Deliver inserts evt as a single-row batch.
func (a *Archive) Deliver(ctx context.Context, evt events.Event) error {
	batch, err := a.client.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", a.table()))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	row := settlementRow(evt)
	if err := batch.AppendStruct(&row); err != nil {
		return fmt.Errorf("append settlement %s: %w", evt.ID, err)
	}
	return batch.Send()
}

// Recent returns the newest archived settlements, newest first. An empty poolID
// reads every pool.
func (a *Archive) Recent(ctx context.Context, poolID string, limit int) ([]SettlementRow, error) {
	var rows []SettlementRow
	if poolID == "" {
		query := fmt.Sprintf(`SELECT * FROM %s FINAL ORDER BY timestamp DESC LIMIT ?`, a.table())
		if err := a.client.Select(ctx, &rows, query, limit); err != nil {
			return nil, err
		}
		return rows, nil
	}
	query := fmt.Sprintf(`SELECT * FROM %s FINAL WHERE pool_id = ? ORDER BY timestamp DESC LIMIT ?`, a.table())
	if err := a.client.Select(ctx, &rows, query, poolID, limit); err != nil {
		return nil, err
	}
	return rows, nil
}
