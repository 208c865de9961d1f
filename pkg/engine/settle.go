package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/poold/pkg/amm"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/volume"
	"go.uber.org/zap"
)

// poolOutcome is the result of sweeping one pool's consumable notes.
type poolOutcome struct {
	poolID      string
	settlements []Settlement
	skipped     int
	aborted     bool
	listErr     error
}

func (o poolOutcome) consumed() int {
	n := 0
	for _, s := range o.settlements {
		if s.Consumed() {
			n++
		}
	}
	return n
}

// cycle is the periodic pass: reconcile, settle tracked notes, sweep limit orders.
func (e *Engine) cycle(ctx context.Context) CycleResult {
	e.pollQueued.Store(false)
	e.metrics.Cycles.WithLabelValues("poll").Inc()
	start := time.Now()

	res := CycleResult{Settlements: []Settlement{}}
	res.Reconciled = e.reconcile(ctx)

	aborted := map[string]bool{}
	for _, poolID := range e.cfg.Pools {
		out := e.processPool(ctx, poolID, false)
		res.Consumed += out.consumed()
		res.Settlements = append(res.Settlements, out.settlements...)
		res.Skipped += out.skipped
		if out.aborted {
			aborted[poolID] = true
			res.Aborted = append(res.Aborted, poolID)
		}
		if out.listErr != nil {
			res.Errors = append(res.Errors, out.listErr.Error())
		}
	}

	now := e.now()
	res.Orders = e.book.Sweep(ctx, now, e.newOrderExecutor(aborted))
	res.Pruned = e.book.Prune(now.Add(-e.cfg.OrderRetention))
	e.updateOrderGauges()

	e.logger.Debug("Poll cycle finished",
		zap.Int("consumed", res.Consumed),
		zap.Int("skipped", res.Skipped),
		zap.Int("reconciled", res.Reconciled),
		zap.Int("orders_filled", res.Orders.Filled),
		zap.Int("orders_expired", res.Orders.Expired),
		zap.Duration("took", time.Since(start)))
	return res
}

func (e *Engine) consume(ctx context.Context, poolID string) (ConsumeResult, error) {
	e.metrics.Cycles.WithLabelValues("consume").Inc()

	res := ConsumeResult{Settlements: []Settlement{}}
	pools := e.cfg.Pools
	if poolID != "" {
		pools = []string{poolID}
		res.PoolID = &poolID
	}
	res.Reconciled = e.reconcile(ctx)

	var listErrs []error
	for _, id := range pools {
		out := e.processPool(ctx, id, true)
		res.Consumed += out.consumed()
		res.Settlements = append(res.Settlements, out.settlements...)
		res.Skipped += out.skipped
		if out.aborted {
			res.Aborted = append(res.Aborted, id)
		}
		if out.listErr != nil {
			listErrs = append(listErrs, out.listErr)
			res.Errors = append(res.Errors, out.listErr.Error())
		}
	}
	if len(pools) > 0 && len(listErrs) == len(pools) {
		return res, listErrs[0]
	}

	e.logger.Info("Consumed pool notes",
		zap.Stringp("pool_id", res.PoolID),
		zap.Int("consumed", res.Consumed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// processPool settles the pool's consumable notes strictly in order. A stale state
// error aborts the rest of the pool for this pass.
func (e *Engine) processPool(ctx context.Context, poolID string, explicit bool) poolOutcome {
	out := poolOutcome{poolID: poolID}

	e.reader.Sync(ctx)
	notes, err := e.client.ListConsumableNotes(ctx, poolID)
	if err != nil {
		e.metrics.LedgerErrors.WithLabelValues("list_notes").Inc()
		out.listErr = fmt.Errorf("list notes of %s: %w", poolID, ledger.WithHint(err))
		e.logger.Warn("Failed to list consumable notes", zap.String("pool_id", poolID), zap.Error(err))
		return out
	}

	for _, note := range notes {
		s, handled, err := e.settleNote(ctx, poolID, note, explicit)
		if err != nil {
			out.aborted = true
			e.forceResync(ctx, poolID, err)
			break
		}
		if !handled {
			out.skipped++
			continue
		}
		e.metrics.Settlements.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
		out.settlements = append(out.settlements, s)
	}
	return out
}

// settleNote routes one note by its intent. The error is non-nil only for stale state.
func (e *Engine) settleNote(ctx context.Context, poolID string, note ledger.Note, explicit bool) (Settlement, bool, error) {
	if e.book.HasPendingNote(note.ID) {
		return Settlement{}, false, nil
	}
	in, tracked := e.intents.Get(note.ID)
	if tracked && in.State == intents.StateAwaiting {
		return Settlement{}, false, nil
	}
	if tracked && in.HasMetadata() && in.PoolID != poolID {
		e.logger.Warn("Note arrived at a different pool than its intent",
			zap.String("note_id", note.ID),
			zap.String("pool_id", poolID),
			zap.String("intent_pool_id", in.PoolID))
		return Settlement{}, false, nil
	}

	var (
		s   Settlement
		err error
	)
	switch {
	case tracked && in.Kind == intents.KindSwap:
		s, err = e.settleSwap(ctx, poolID, note, in)
	case tracked && in.Kind == intents.KindDeposit:
		s, err = e.settleDeposit(ctx, poolID, note, in)
	case tracked || explicit:
		s, err = e.consumePlain(ctx, poolID, note)
	default:
		e.logger.Debug("Skipping note without intent", zap.String("note_id", note.ID), zap.String("pool_id", poolID))
		return Settlement{}, false, nil
	}
	return s, true, err
}

func (e *Engine) settleSwap(ctx context.Context, poolID string, note ledger.Note, in intents.Intent) (Settlement, error) {
	s := Settlement{NoteID: note.ID, PoolID: poolID, Kind: intents.KindSwap}
	sw := in.Swap
	if sw == nil {
		return e.reject(s, "swap intent carries no swap parameters"), nil
	}
	amountIn := note.AmountOf(sw.SellAsset)
	if amountIn == 0 {
		return e.reject(s, fmt.Sprintf("note carries no %s", sw.SellAsset)), nil
	}
	if sw.AmountIn != 0 && sw.AmountIn != amountIn {
		e.logger.Warn("Note amount differs from the intent, pricing the note",
			zap.String("note_id", note.ID),
			zap.Uint64("intent_amount_in", sw.AmountIn),
			zap.Uint64("note_amount_in", amountIn))
	}
	recipient := firstNonEmpty(in.Requester, note.Sender)
	if recipient == "" {
		return e.reject(s, "swap has no recipient"), nil
	}

	reserves, err := e.reader.Read(ctx, poolID)
	if err != nil {
		return e.fail(s, "read_reserves", err), nil
	}
	reserveIn, reserveOut, err := reserves.Orient(sw.SellAsset, sw.BuyAsset)
	if err != nil {
		return e.reject(s, err.Error()), nil
	}
	fee := e.CurrentFee(poolID)
	s.AmountIn, s.FeeBps = amountIn, fee.Bps

	out, err := amm.Quote(amountIn, reserveIn, reserveOut, fee.Bps, sw.MinAmountOut)
	s.AmountOut = out
	if err != nil {
		return e.reject(s, err.Error()), nil
	}
	if out == 0 {
		return e.reject(s, "output rounds to zero"), nil
	}

	tx := ledger.TxRequest{
		ConsumeNotes: []string{note.ID},
		Outputs: []ledger.OutputNote{{
			Recipient: recipient,
			Assets:    []ledger.Asset{{AssetID: sw.BuyAsset, Amount: out}},
		}},
		Memo: "swap " + note.ID,
	}
	return e.execute(ctx, s, tx, settlement{
		kind:       intents.KindSwap,
		poolID:     poolID,
		noteID:     note.ID,
		userID:     recipient,
		sellAsset:  sw.SellAsset,
		buyAsset:   sw.BuyAsset,
		amountIn:   amountIn,
		amountOut:  out,
		reserveIn:  reserveIn,
		reserveOut: reserveOut,
		feeBps:     fee.Bps,
	})
}

// settleDeposit consumes a liquidity note and credits the depositor with the
// note's actual total once the ledger confirms.
func (e *Engine) settleDeposit(ctx context.Context, poolID string, note ledger.Note, in intents.Intent) (Settlement, error) {
	s := Settlement{NoteID: note.ID, PoolID: poolID, Kind: intents.KindDeposit}
	user := firstNonEmpty(in.Requester, note.Sender)
	if user == "" {
		return e.reject(s, "deposit has no owner"), nil
	}

	reserves, err := e.reader.Read(ctx, poolID)
	switch {
	case err == nil:
		for _, a := range note.Assets {
			if a.Amount > 0 && !reserves.Has(a.AssetID) {
				return e.reject(s, fmt.Sprintf("%s: %s", ledger.ErrAssetMismatch, a.AssetID)), nil
			}
		}
	case errors.Is(err, ledger.ErrInsufficientReserves):
		// Seeding an empty or one-sided pool.
	default:
		return e.fail(s, "read_reserves", err), nil
	}

	amount := note.Total()
	s.AmountIn = amount
	if amount == 0 {
		return e.reject(s, "note carries no assets"), nil
	}
	if in.Deposit != nil && amount < in.Deposit.MinLPOut {
		return e.reject(s, fmt.Sprintf("deposit %d below minimum %d", amount, in.Deposit.MinLPOut)), nil
	}

	tx := ledger.TxRequest{ConsumeNotes: []string{note.ID}, Memo: "deposit " + note.ID}
	return e.execute(ctx, s, tx, settlement{
		kind:     intents.KindDeposit,
		poolID:   poolID,
		noteID:   note.ID,
		userID:   user,
		amountIn: amount,
	})
}

// consumePlain takes custody of a note without swap logic.
func (e *Engine) consumePlain(ctx context.Context, poolID string, note ledger.Note) (Settlement, error) {
	s := Settlement{NoteID: note.ID, PoolID: poolID, Kind: intents.KindPlain, AmountIn: note.Total()}
	tx := ledger.TxRequest{ConsumeNotes: []string{note.ID}, Memo: "consume " + note.ID}
	return e.execute(ctx, s, tx, settlement{
		kind:     intents.KindPlain,
		poolID:   poolID,
		noteID:   note.ID,
		userID:   note.Sender,
		amountIn: s.AmountIn,
	})
}

// execute submits tx, waits for confirmation and applies the outcome.
func (e *Engine) execute(ctx context.Context, s Settlement, tx ledger.TxRequest, p settlement) (Settlement, error) {
	txID, conf, err := e.submitAndAwait(ctx, p.poolID, tx)
	if err != nil {
		if ledger.IsStaleState(err) {
			s.Status, s.Reason = StatusFailed, err.Error()
			return s, err
		}
		return e.fail(s, "submit", err), nil
	}
	s.TxID = txID

	switch conf {
	case ledger.Confirmed:
		e.finalize(p, txID, events.StatusConfirmed)
		s.Status = StatusConfirmed
		e.logger.Info("Settled note",
			zap.String("kind", string(s.Kind)),
			zap.String("note_id", s.NoteID),
			zap.String("pool_id", s.PoolID),
			zap.String("tx_id", txID),
			zap.Uint64("amount_in", s.AmountIn),
			zap.Uint64("amount_out", s.AmountOut))
	case ledger.TimedOut:
		e.park(p, txID)
		s.Status = StatusAmbiguous
		s.Reason = "confirmation not observed in time; the transaction may still commit"
	default:
		s.Status = StatusFailed
		s.Reason = "transaction discarded by the ledger"
		e.logger.Warn("Settlement transaction discarded",
			zap.String("note_id", s.NoteID),
			zap.String("tx_id", txID))
	}
	return s, nil
}

// submitAndAwait returns a submit error wrapped with an operator hint. Confirmation
// outcomes, including a timeout, are not errors.
func (e *Engine) submitAndAwait(ctx context.Context, poolID string, tx ledger.TxRequest) (string, ledger.Confirmation, error) {
	txID, err := e.client.Submit(ctx, poolID, tx)
	if err != nil {
		e.metrics.LedgerErrors.WithLabelValues("submit").Inc()
		return "", "", ledger.WithHint(err)
	}

	start := time.Now()
	conf, err := ledger.AwaitConfirmation(ctx, e.client, txID, e.cfg.Confirm, e.logger)
	e.metrics.ConfirmSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn("Confirmation wait interrupted", zap.String("tx_id", txID), zap.Error(err))
	}
	return txID, conf, nil
}

// finalize applies the effects of a committed transaction.
func (e *Engine) finalize(p settlement, txID, status string) {
	now := e.now()
	evt := events.New(events.NoteConsumed, p.poolID, now)
	evt.NoteID, evt.TxID, evt.UserID, evt.Status = p.noteID, txID, p.userID, status
	evt.AmountIn = p.amountIn

	switch p.kind {
	case intents.KindSwap, kindOrder:
		postIn, postOut := amm.PostTrade(p.reserveIn, p.reserveOut, p.amountIn, p.amountOut)
		sample := e.oracle.Record(p.poolID, amm.SpotPrice(postIn, postOut), postIn, postOut, now)
		e.volumes.Record(volume.Trade{
			PoolID:    p.poolID,
			AmountIn:  p.amountIn,
			AmountOut: p.amountOut,
			FeeAmount: amm.FeeAmount(p.amountIn, p.feeBps),
		}, now)
		evt.Type = events.SwapSettled
		if p.kind == kindOrder {
			evt.Type, evt.OrderID = events.OrderFilled, p.orderID
		}
		evt.SellAsset, evt.BuyAsset = p.sellAsset, p.buyAsset
		evt.AmountOut, evt.FeeBps, evt.Price = p.amountOut, p.feeBps, sample.Price
	case intents.KindDeposit:
		if _, err := e.positions.Credit(p.userID, p.poolID, p.amountIn, now); err != nil {
			e.logger.Error("Failed to persist deposit credit",
				zap.String("user_id", p.userID),
				zap.String("pool_id", p.poolID),
				zap.Uint64("amount", p.amountIn),
				zap.Error(err))
		}
		evt.Type = events.DepositCredited
	}

	if p.kind != kindOrder {
		e.intents.Remove(p.noteID)
	}
	e.publish(evt)
}

// park keeps an unconfirmed settlement for reconciliation. Swap and deposit
// effects are deferred until the ledger reports the transaction committed. A plain
// consume has no deferred effects; if it was discarded the note is simply
// consumable again.
func (e *Engine) park(p settlement, txID string) {
	e.logger.Warn("Settlement confirmation timed out, awaiting reconciliation",
		zap.String("kind", string(p.kind)),
		zap.String("note_id", p.noteID),
		zap.String("order_id", p.orderID),
		zap.String("tx_id", txID))

	switch p.kind {
	case kindOrder:
		e.fills[txID] = p
	case intents.KindPlain:
		e.intents.Remove(p.noteID)
	default:
		if err := e.intents.MarkAwaiting(p.noteID, txID); err != nil {
			e.logger.Warn("Intent vanished before it could be parked", zap.String("note_id", p.noteID), zap.Error(err))
			return
		}
		e.parked[p.noteID] = p
	}

	evt := events.New(events.NoteConsumed, p.poolID, e.now())
	switch p.kind {
	case intents.KindSwap:
		evt.Type = events.SwapSettled
	case kindOrder:
		evt.Type, evt.OrderID = events.OrderFilled, p.orderID
	case intents.KindDeposit:
		evt.Type = events.DepositCredited
	}
	evt.NoteID, evt.TxID, evt.UserID, evt.Status = p.noteID, txID, p.userID, events.StatusAmbiguous
	evt.SellAsset, evt.BuyAsset = p.sellAsset, p.buyAsset
	evt.AmountIn, evt.AmountOut, evt.FeeBps = p.amountIn, p.amountOut, p.feeBps
	e.publish(evt)
}

// reconcile re-checks intents whose confirmation timed out. Committed ones are
// finalized, discarded ones return to pending, pending ones are left alone.
func (e *Engine) reconcile(ctx context.Context) int {
	n := 0
	for _, in := range e.intents.Awaiting() {
		status, err := e.client.TransactionStatus(ctx, in.TxID)
		if err != nil {
			e.metrics.LedgerErrors.WithLabelValues("tx_status").Inc()
			e.logger.Warn("Failed to re-check awaiting transaction",
				zap.String("note_id", in.NoteID),
				zap.String("tx_id", in.TxID),
				zap.Error(err))
			continue
		}
		switch status {
		case ledger.TxCommitted:
			if p, ok := e.parked[in.NoteID]; ok {
				e.finalize(p, in.TxID, events.StatusConfirmed)
			} else {
				e.logger.Warn("Committed transaction has no recorded settlement, dropping intent",
					zap.String("note_id", in.NoteID),
					zap.String("tx_id", in.TxID))
				e.intents.Remove(in.NoteID)
			}
			delete(e.parked, in.NoteID)
			e.metrics.Settlements.WithLabelValues(string(in.Kind), string(StatusConfirmed)).Inc()
			n++
		case ledger.TxDiscarded:
			if err := e.intents.Release(in.NoteID); err != nil {
				e.logger.Warn("Failed to release intent", zap.String("note_id", in.NoteID), zap.Error(err))
			}
			delete(e.parked, in.NoteID)
			e.logger.Info("Awaiting transaction was discarded, intent released",
				zap.String("note_id", in.NoteID),
				zap.String("tx_id", in.TxID))
			n++
		}
	}
	return n
}

// forceResync refreshes the local view after a stale state error. The aborted
// work is retried on the next pass, never against the known-stale view.
func (e *Engine) forceResync(ctx context.Context, poolID string, cause error) {
	e.metrics.StaleResyncs.Inc()
	e.logger.Warn("Stale ledger state, aborting pool for this cycle",
		zap.String("pool_id", poolID),
		zap.Error(cause))
	e.reader.Sync(ctx)
}

func (e *Engine) reject(s Settlement, reason string) Settlement {
	s.Status, s.Reason = StatusRejected, reason
	e.logger.Info("Settlement rejected",
		zap.String("kind", string(s.Kind)),
		zap.String("note_id", s.NoteID),
		zap.String("pool_id", s.PoolID),
		zap.String("reason", reason))
	return s
}

func (e *Engine) fail(s Settlement, op string, err error) Settlement {
	e.metrics.LedgerErrors.WithLabelValues(op).Inc()
	s.Status, s.Reason = StatusFailed, err.Error()
	e.logger.Warn("Settlement failed",
		zap.String("kind", string(s.Kind)),
		zap.String("note_id", s.NoteID),
		zap.String("pool_id", s.PoolID),
		zap.String("op", op),
		zap.Error(err))
	return s
}

func (e *Engine) poolReserves(ctx context.Context) []PoolReserves {
	e.reader.Sync(ctx)
	out := make([]PoolReserves, 0, len(e.cfg.Pools))
	for _, poolID := range e.cfg.Pools {
		entry := PoolReserves{PoolID: poolID}
		r, err := e.reader.ReadNoSync(ctx, poolID)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Reserves = &r
		}
		out = append(out, entry)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
