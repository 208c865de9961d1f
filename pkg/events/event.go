// Package events fans settlement outcomes out to best-effort sinks.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	SwapSettled     Type = "swap.settled"
	DepositCredited Type = "deposit.credited"
	NoteConsumed    Type = "note.consumed"
	OrderFilled     Type = "order.filled"
	WithdrawPaid    Type = "withdraw.paid"
)

// Outcome statuses carried on events.
const (
	StatusConfirmed = "confirmed"
	StatusAmbiguous = "ambiguous"
)

// Event is a settlement outcome. Amount fields are zero when they do not apply.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	PoolID    string    `json:"pool_id"`
	NoteID    string    `json:"note_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SellAsset string    `json:"sell_asset,omitempty"`
	BuyAsset  string    `json:"buy_asset,omitempty"`
	AmountIn  uint64    `json:"amount_in"`
	AmountOut uint64    `json:"amount_out"`
	FeeBps    uint16    `json:"fee_bps"`
	Price     float64   `json:"price,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps a fresh event id and timestamp.
func New(typ Type, poolID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		PoolID:    poolID,
		Status:    StatusConfirmed,
		Timestamp: at.UTC(),
	}
}

// Ambiguous reports whether the ledger never confirmed nor rejected the transaction.
func (e Event) Ambiguous() bool {
	return e.Status == StatusAmbiguous
}
