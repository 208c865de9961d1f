package engine

import (
	"context"
	"fmt"

	"github.com/canopy-network/poold/pkg/amm"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/orderbook"
	"go.uber.org/zap"
)

// orderExecutor prices and fills limit orders for one sweep. It runs on the
// engine goroutine.
type orderExecutor struct {
	e      *Engine
	stale  map[string]bool
	quotes map[string]settlement
	notes  map[string][]ledger.Note
	synced bool
}

func (e *Engine) newOrderExecutor(stale map[string]bool) *orderExecutor {
	if stale == nil {
		stale = map[string]bool{}
	}
	return &orderExecutor{
		e:      e,
		stale:  stale,
		quotes: map[string]settlement{},
		notes:  map[string][]ledger.Note{},
	}
}

func (x *orderExecutor) Quote(ctx context.Context, o orderbook.Order) (uint64, error) {
	if x.stale[o.PoolID] {
		return 0, fmt.Errorf("%w: pool %s resyncs before the next cycle", ledger.ErrStaleState, o.PoolID)
	}
	if !x.synced {
		x.e.reader.Sync(ctx)
		x.synced = true
	}
	note, err := x.note(ctx, o.PoolID, o.NoteID)
	if err != nil {
		return 0, err
	}
	if have := note.AmountOf(o.SellAsset); have < o.AmountIn {
		return 0, fmt.Errorf("note %s carries %d %s, order needs %d", o.NoteID, have, o.SellAsset, o.AmountIn)
	}
	reserves, err := x.e.reader.ReadNoSync(ctx, o.PoolID)
	if err != nil {
		return 0, err
	}
	reserveIn, reserveOut, err := reserves.Orient(o.SellAsset, o.BuyAsset)
	if err != nil {
		return 0, err
	}
	fee := x.e.CurrentFee(o.PoolID)
	out, err := amm.AmountOut(o.AmountIn, reserveIn, reserveOut, fee.Bps)
	if err != nil {
		return 0, err
	}
	x.quotes[o.ID] = settlement{
		kind:       kindOrder,
		orderID:    o.ID,
		poolID:     o.PoolID,
		noteID:     o.NoteID,
		userID:     o.Requester,
		sellAsset:  o.SellAsset,
		buyAsset:   o.BuyAsset,
		amountIn:   o.AmountIn,
		amountOut:  out,
		reserveIn:  reserveIn,
		reserveOut: reserveOut,
		feeBps:     fee.Bps,
	}
	return out, nil
}

// Fill consumes the order's note and pays the requester in one transaction.
func (x *orderExecutor) Fill(ctx context.Context, o orderbook.Order, amountOut uint64) (orderbook.Fill, error) {
	p, ok := x.quotes[o.ID]
	if !ok {
		return orderbook.Fill{}, fmt.Errorf("order %s was not quoted in this sweep", o.ID)
	}
	p.amountOut = amountOut

	tx := ledger.TxRequest{
		ConsumeNotes: []string{o.NoteID},
		Outputs: []ledger.OutputNote{{
			Recipient: o.Requester,
			Assets:    []ledger.Asset{{AssetID: o.BuyAsset, Amount: amountOut}},
		}},
		Memo: "limit order " + o.ID,
	}
	txID, conf, err := x.e.submitAndAwait(ctx, o.PoolID, tx)
	if err != nil {
		x.e.metrics.Settlements.WithLabelValues(string(kindOrder), string(StatusFailed)).Inc()
		if ledger.IsStaleState(err) {
			x.stale[o.PoolID] = true
			x.e.forceResync(ctx, o.PoolID, err)
		}
		return orderbook.Fill{}, err
	}
	// The pool's notes and reserves moved.
	delete(x.notes, o.PoolID)
	x.synced = false

	switch conf {
	case ledger.Confirmed:
		x.e.finalize(p, txID, events.StatusConfirmed)
		x.e.metrics.Settlements.WithLabelValues(string(kindOrder), string(StatusConfirmed)).Inc()
		x.e.logger.Info("Filled limit order",
			zap.String("order_id", o.ID),
			zap.String("pool_id", o.PoolID),
			zap.String("tx_id", txID),
			zap.Uint64("amount_out", amountOut))
		return orderbook.Fill{TxID: txID, Status: orderbook.FillConfirmed}, nil
	case ledger.TimedOut:
		x.e.park(p, txID)
		x.e.metrics.Settlements.WithLabelValues(string(kindOrder), string(StatusAmbiguous)).Inc()
		return orderbook.Fill{TxID: txID, Status: orderbook.FillPending}, nil
	default:
		x.e.metrics.Settlements.WithLabelValues(string(kindOrder), string(StatusFailed)).Inc()
		return orderbook.Fill{TxID: txID, Status: orderbook.FillFailed}, nil
	}
}

// FillStatus re-checks a fill whose confirmation timed out in an earlier sweep.
func (x *orderExecutor) FillStatus(ctx context.Context, txID string) (orderbook.FillStatus, error) {
	status, err := x.e.client.TransactionStatus(ctx, txID)
	if err != nil {
		x.e.metrics.LedgerErrors.WithLabelValues("tx_status").Inc()
		return orderbook.FillPending, err
	}
	switch status {
	case ledger.TxCommitted:
		if p, ok := x.e.fills[txID]; ok {
			x.e.finalize(p, txID, events.StatusConfirmed)
			delete(x.e.fills, txID)
		}
		return orderbook.FillConfirmed, nil
	case ledger.TxDiscarded:
		delete(x.e.fills, txID)
		return orderbook.FillFailed, nil
	}
	return orderbook.FillPending, nil
}

// note finds noteID among the pool's consumable notes, listing them once per sweep.
func (x *orderExecutor) note(ctx context.Context, poolID, noteID string) (ledger.Note, error) {
	notes, ok := x.notes[poolID]
	if !ok {
		var err error
		notes, err = x.e.client.ListConsumableNotes(ctx, poolID)
		if err != nil {
			x.e.metrics.LedgerErrors.WithLabelValues("list_notes").Inc()
			return ledger.Note{}, ledger.WithHint(err)
		}
		x.notes[poolID] = notes
	}
	for _, n := range notes {
		if n.ID == noteID {
			return n, nil
		}
	}
	return ledger.Note{}, fmt.Errorf("%w: %s", ledger.ErrNoteNotFound, noteID)
}
