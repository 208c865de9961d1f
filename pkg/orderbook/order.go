package orderbook

import (
	"errors"
	"fmt"
	"time"
)

// Status of a limit order. Filled, Expired and Cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusExpired || s == StatusCancelled
}

var (
	ErrNotFound        = errors.New("order not found")
	ErrAlreadyTerminal = errors.New("order already terminal")
	ErrInFlight        = errors.New("order is being settled")
	ErrDuplicateNote   = errors.New("note already backs a pending order")
	ErrInvalidOrder    = errors.New("invalid order")
)

// Order is a resting conditional swap backed by a note already sent to the pool.
type Order struct {
	ID           string     `json:"order_id"`
	NoteID       string     `json:"note_id"`
	PoolID       string     `json:"pool_id"`
	Requester    string     `json:"user_id"`
	SellAsset    string     `json:"sell_asset"`
	BuyAsset     string     `json:"buy_asset"`
	AmountIn     uint64     `json:"amount_in"`
	MinAmountOut uint64     `json:"min_amount_out"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       Status     `json:"status"`
	TxID         string     `json:"tx_id,omitempty"`
	AmountOut    uint64     `json:"amount_out,omitempty"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`

	seq      uint64
	inFlight bool
}

func (o Order) validate() error {
	switch {
	case o.NoteID == "", o.PoolID == "", o.Requester == "":
		return fmt.Errorf("%w: note, pool and user are required", ErrInvalidOrder)
	case o.SellAsset == "" || o.BuyAsset == "" || o.SellAsset == o.BuyAsset:
		return fmt.Errorf("%w: sell and buy assets must differ", ErrInvalidOrder)
	case o.AmountIn == 0:
		return fmt.Errorf("%w: amount in must be positive", ErrInvalidOrder)
	case !o.ExpiresAt.After(o.CreatedAt):
		return fmt.Errorf("%w: expiry must be after creation", ErrInvalidOrder)
	}
	return nil
}
