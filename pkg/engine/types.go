package engine

import (
	"fmt"

	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/orderbook"
)

type request interface {
	kind() string
}

type result[T any] struct {
	val T
	err error
}

// pollRequest has a nil reply when queued by the scheduler.
type pollRequest struct {
	reply chan result[CycleResult]
}

type consumeRequest struct {
	poolID string
	reply  chan result[ConsumeResult]
}

type withdrawRequest struct {
	req   WithdrawRequest
	reply chan result[WithdrawResult]
}

type reservesRequest struct {
	reply chan result[[]PoolReserves]
}

func (pollRequest) kind() string     { return "poll" }
func (consumeRequest) kind() string  { return "consume" }
func (withdrawRequest) kind() string { return "withdraw" }
func (reservesRequest) kind() string { return "reserves" }

// Status is the outcome of one settlement attempt.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	// StatusAmbiguous means the transaction was submitted but confirmation was not
	// observed in time. It may still commit and is never resubmitted automatically.
	StatusAmbiguous Status = "ambiguous"
	// StatusRejected means local validation or pricing refused the note before submission.
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Settlement reports what happened to one note.
type Settlement struct {
	NoteID    string       `json:"note_id"`
	PoolID    string       `json:"pool_id"`
	Kind      intents.Kind `json:"kind"`
	Status    Status       `json:"status"`
	TxID      string       `json:"tx_id,omitempty"`
	AmountIn  uint64       `json:"amount_in,omitempty"`
	AmountOut uint64       `json:"amount_out,omitempty"`
	FeeBps    uint16       `json:"fee_bps,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Consumed reports whether the note was (probably) taken by the pool.
func (s Settlement) Consumed() bool {
	return s.Status == StatusConfirmed || s.Status == StatusAmbiguous
}

// ConsumeResult is the reply to an explicit consume.
type ConsumeResult struct {
	// PoolID is nil when every configured pool was swept.
	PoolID      *string      `json:"pool_id"`
	Consumed    int          `json:"consumed"`
	Settlements []Settlement `json:"settlements"`
	Skipped     int          `json:"skipped"`
	Aborted     []string     `json:"aborted_pools,omitempty"`
	Errors      []string     `json:"errors,omitempty"`
	Reconciled  int          `json:"reconciled"`
}

// CycleResult summarises one background cycle.
type CycleResult struct {
	Consumed    int                   `json:"consumed"`
	Settlements []Settlement          `json:"settlements"`
	Skipped     int                   `json:"skipped"`
	Aborted     []string              `json:"aborted_pools,omitempty"`
	Errors      []string              `json:"errors,omitempty"`
	Reconciled  int                   `json:"reconciled"`
	Orders      orderbook.SweepResult `json:"orders"`
	Pruned      int                   `json:"pruned_orders"`
}

// PoolReserves is one entry of a reserves listing. Error is set when the read failed.
type PoolReserves struct {
	PoolID   string           `json:"pool_id"`
	Reserves *ledger.Reserves `json:"reserves,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// WithdrawRequest asks for LPAmount of the user's tracked deposit back. The minimum
// outputs are reported against but do not block the payout.
type WithdrawRequest struct {
	PoolID     string
	UserID     string
	LPAmount   uint64
	MinAmountA uint64
	MinAmountB uint64
}

func (r WithdrawRequest) validate() error {
	switch {
	case r.PoolID == "":
		return fmt.Errorf("%w: pool id is required", ErrInvalidRequest)
	case r.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case r.LPAmount == 0:
		return fmt.Errorf("%w: lp amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// LegPayout is the transfer of one reserve leg.
type LegPayout struct {
	AssetID string `json:"asset_id"`
	Amount  uint64 `json:"amount"`
	TxID    string `json:"tx_id,omitempty"`
	Status  Status `json:"status"`
	// BelowMinimum is set when the payout is under the requested minimum.
	BelowMinimum bool `json:"below_minimum,omitempty"`
}

type WithdrawResult struct {
	PoolID    string    `json:"pool_id"`
	UserID    string    `json:"user_id"`
	Requested uint64    `json:"requested"`
	Withdrawn uint64    `json:"withdrawn"`
	LegA      LegPayout `json:"token_a"`
	LegB      LegPayout `json:"token_b"`
	// TxID is the first submitted leg transaction.
	TxID      string `json:"tx_id,omitempty"`
	Remaining uint64 `json:"remaining_deposit"`
}

// settlement carries what the engine needs to finalize a transaction whose
// confirmation may arrive in a later cycle.
type settlement struct {
	kind       intents.Kind
	orderID    string
	poolID     string
	noteID     string
	userID     string
	sellAsset  string
	buyAsset   string
	amountIn   uint64
	amountOut  uint64
	reserveIn  uint64
	reserveOut uint64
	feeBps     uint16
}

// kindOrder tags limit order fills, which have no registry intent.
const kindOrder intents.Kind = "limit_order"
