package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/poold/pkg/retry"
	"go.uber.org/zap"
)

// Confirmation is the outcome of waiting for a submitted transaction.
type Confirmation string

const (
	Confirmed Confirmation = "confirmed"
	// TimedOut is ambiguous: the transaction may still commit.
	TimedOut Confirmation = "timed_out"
	// Discarded means the ledger rejected the transaction after submission.
	Discarded Confirmation = "discarded"
)

// ConfirmOpts bounds confirmation polling.
type ConfirmOpts struct {
	Interval time.Duration
	Attempts int
}

// DefaultConfirmOpts polls every 500ms for up to 30s.
func DefaultConfirmOpts() ConfirmOpts {
	return ConfirmOpts{Interval: 500 * time.Millisecond, Attempts: 60}
}

var (
	errNotCommitted = errors.New("transaction not committed yet")
	errDiscarded    = errors.New("transaction discarded")
)

// AwaitConfirmation polls the transaction status until it is committed or discarded
// or the attempts run out. Status lookup errors count as a failed attempt. A
// cancelled context yields TimedOut together with the context error.
func AwaitConfirmation(ctx context.Context, c Client, txID string, opts ConfirmOpts, logger *zap.Logger) (Confirmation, error) {
	if opts.Attempts <= 0 || opts.Interval <= 0 {
		opts = DefaultConfirmOpts()
	}
	err := retry.WithBackoff(ctx, retry.Fixed(opts.Interval, opts.Attempts), logger, "await_confirmation", func() error {
		status, err := c.TransactionStatus(ctx, txID)
		if err != nil {
			return err
		}
		switch status {
		case TxCommitted:
			return nil
		case TxDiscarded:
			return retry.Permanent(errDiscarded)
		default:
			return errNotCommitted
		}
	})
	switch {
	case err == nil:
		return Confirmed, nil
	case errors.Is(err, errDiscarded):
		return Discarded, nil
	case errors.Is(err, retry.ErrExhausted):
		return TimedOut, nil
	case ctx.Err() != nil:
		return TimedOut, ctx.Err()
	}
	return TimedOut, nil
}
