package engine

import (
	"context"
	"fmt"

	"github.com/canopy-network/poold/pkg/amm"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/positions"
	"go.uber.org/zap"
)

// withdraw clamps the request to the tracked deposit, pays each reserve leg in its
// own transaction and debits what was paid. A timed out leg counts as paid.
func (e *Engine) withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	if err := req.validate(); err != nil {
		return WithdrawResult{}, err
	}
	available := e.positions.Available(req.UserID, req.PoolID)
	if available == 0 {
		return WithdrawResult{}, fmt.Errorf("%w: user %s has no deposit in pool %s", positions.ErrNoDeposit, req.UserID, req.PoolID)
	}
	amount := min(req.LPAmount, available)

	reserves, err := e.reader.Read(ctx, req.PoolID)
	if err != nil {
		e.metrics.LedgerErrors.WithLabelValues("read_reserves").Inc()
		return WithdrawResult{}, err
	}
	total := reserves.Total()
	if total == 0 {
		return WithdrawResult{}, fmt.Errorf("%w: %s", amm.ErrEmptyPool, req.PoolID)
	}

	res := WithdrawResult{
		PoolID:    req.PoolID,
		UserID:    req.UserID,
		Requested: req.LPAmount,
		Withdrawn: amount,
		Remaining: available,
		LegA: LegPayout{
			AssetID: reserves.A.AssetID,
			Amount:  amm.ProportionalShare(amount, reserves.A.Amount, total),
			Status:  StatusSkipped,
		},
		LegB: LegPayout{
			AssetID: reserves.B.AssetID,
			Amount:  amm.ProportionalShare(amount, reserves.B.Amount, total),
			Status:  StatusSkipped,
		},
	}
	if res.LegA.Amount == 0 && res.LegB.Amount == 0 {
		return WithdrawResult{}, fmt.Errorf("%w: %d of %d total reserves", ErrZeroPayout, amount, total)
	}
	res.LegA.BelowMinimum = res.LegA.Amount < req.MinAmountA
	res.LegB.BelowMinimum = res.LegB.Amount < req.MinAmountB
	if res.LegA.BelowMinimum || res.LegB.BelowMinimum {
		e.logger.Info("Withdrawal pays below the requested minimum",
			zap.String("user_id", req.UserID),
			zap.String("pool_id", req.PoolID),
			zap.Uint64("amount_a", res.LegA.Amount),
			zap.Uint64("min_a", req.MinAmountA),
			zap.Uint64("amount_b", res.LegB.Amount),
			zap.Uint64("min_b", req.MinAmountB))
	}

	var (
		paid   uint64
		legErr error
	)
	for i, leg := range []*LegPayout{&res.LegA, &res.LegB} {
		if leg.Amount == 0 {
			continue
		}
		if i > 0 {
			e.reader.Sync(ctx)
		}
		tx := ledger.TxRequest{
			Outputs: []ledger.OutputNote{{
				Recipient: req.UserID,
				Assets:    []ledger.Asset{{AssetID: leg.AssetID, Amount: leg.Amount}},
			}},
			Memo: "withdraw " + req.UserID,
		}
		txID, conf, err := e.submitAndAwait(ctx, req.PoolID, tx)
		if err != nil {
			leg.Status = StatusFailed
			if ledger.IsStaleState(err) {
				e.forceResync(ctx, req.PoolID, err)
			}
			legErr = fmt.Errorf("withdraw %s leg: %w", leg.AssetID, err)
			break
		}
		leg.TxID = txID
		if res.TxID == "" {
			res.TxID = txID
		}

		evt := events.New(events.WithdrawPaid, req.PoolID, e.now())
		evt.TxID, evt.UserID, evt.BuyAsset, evt.AmountOut = txID, req.UserID, leg.AssetID, leg.Amount
		switch conf {
		case ledger.Confirmed:
			leg.Status = StatusConfirmed
			paid += leg.Amount
		case ledger.TimedOut:
			leg.Status = StatusAmbiguous
			evt.Status = events.StatusAmbiguous
			paid += leg.Amount
		default:
			leg.Status = StatusFailed
			legErr = fmt.Errorf("withdraw %s leg: transaction %s discarded by the ledger", leg.AssetID, txID)
		}
		e.metrics.Settlements.WithLabelValues("withdraw", string(leg.Status)).Inc()
		if leg.Status != StatusFailed {
			e.publish(evt)
		}
		if legErr != nil {
			break
		}
	}

	if paid > 0 {
		pos, err := e.positions.Debit(req.UserID, req.PoolID, paid)
		if err != nil {
			e.logger.Error("Failed to persist withdrawal debit",
				zap.String("user_id", req.UserID),
				zap.String("pool_id", req.PoolID),
				zap.Uint64("paid", paid),
				zap.Error(err))
		}
		res.Remaining = pos.TotalDeposited
	}

	e.logger.Info("Processed withdrawal",
		zap.String("user_id", req.UserID),
		zap.String("pool_id", req.PoolID),
		zap.Uint64("requested", req.LPAmount),
		zap.Uint64("withdrawn", amount),
		zap.Uint64("paid", paid),
		zap.Uint64("remaining", res.Remaining),
		zap.Error(legErr))
	return res, legErr
}
