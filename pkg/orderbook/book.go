// Package orderbook keeps resting limit orders and sweeps them against live pool prices.
package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// FillStatus is the ledger outcome of a fill transaction.
type FillStatus int

const (
	FillConfirmed FillStatus = iota
	// FillPending means the transaction was submitted but confirmation was not observed.
	FillPending
	FillFailed
)

// Fill is what the executor reports after trying to settle an order.
type Fill struct {
	TxID   string
	Status FillStatus
}

// Executor prices and settles orders. Sweep calls it sequentially.
type Executor interface {
	// Quote returns the output the order would receive at current reserves and fee.
	Quote(ctx context.Context, o Order) (uint64, error)
	// Fill consumes the order's note and pays amountOut in one atomic transaction.
	Fill(ctx context.Context, o Order, amountOut uint64) (Fill, error)
	// FillStatus re-checks a transaction whose confirmation was not observed.
	FillStatus(ctx context.Context, txID string) (FillStatus, error)
}

// SweepResult counts the transitions made by one sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Filled   int `json:"filled"`
	Awaiting int `json:"awaiting"`
	Errors   int `json:"errors"`
}

// Book holds orders in insertion order.
type Book struct {
	mu    sync.RWMutex
	seq   uint64
	bySeq *btree.Map[uint64, *Order]
	byID  map[string]*Order
}

func New() *Book {
	return &Book{
		bySeq: btree.NewMap[uint64, *Order](32),
		byID:  make(map[string]*Order),
	}
}

// Submit admits a new Pending order and returns it with its id.
func (b *Book) Submit(o Order) (Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if err := o.validate(); err != nil {
		return Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.byID {
		if existing.NoteID == o.NoteID && existing.Status == StatusPending {
			return Order{}, ErrDuplicateNote
		}
	}

	b.seq++
	o.ID = uuid.NewString()
	o.Status = StatusPending
	o.TxID, o.AmountOut, o.FilledAt, o.LastError = "", 0, nil, ""
	o.seq = b.seq
	o.inFlight = false
	stored := o
	b.bySeq.Set(o.seq, &stored)
	b.byID[o.ID] = &stored
	return stored, nil
}

// Cancel moves a Pending order to Cancelled.
func (b *Book) Cancel(id string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status.Terminal() {
		return *o, ErrAlreadyTerminal
	}
	if o.inFlight || o.TxID != "" {
		return *o, ErrInFlight
	}
	o.Status = StatusCancelled
	return *o, nil
}

func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// List returns orders in insertion order, filtered by requester when user is not empty.
func (b *Book) List(user string) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Order, 0)
	b.bySeq.Scan(func(_ uint64, o *Order) bool {
		if user == "" || o.Requester == user {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// HasPendingNote reports whether a Pending order is backed by noteID.
func (b *Book) HasPendingNote(noteID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.byID {
		if o.NoteID == noteID && o.Status == StatusPending {
			return true
		}
	}
	return false
}

// Counts returns the number of orders per status.
func (b *Book) Counts() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := map[Status]int{StatusPending: 0, StatusFilled: 0, StatusExpired: 0, StatusCancelled: 0}
	for _, o := range b.byID {
		out[o.Status]++
	}
	return out
}

// Prune drops terminal orders created before cutoff.
func (b *Book) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var drop []*Order
	b.bySeq.Scan(func(_ uint64, o *Order) bool {
		if o.Status.Terminal() && o.CreatedAt.Before(cutoff) {
			drop = append(drop, o)
		}
		return true
	})
	for _, o := range drop {
		b.bySeq.Delete(o.seq)
		delete(b.byID, o.ID)
	}
	return len(drop)
}

// Sweep first reconciles in-flight fills and expires every Pending order whose expiry
// has passed, then quotes the remaining Pending orders in insertion order and fills
// those whose output meets their minimum. Failed attempts leave the order Pending.
func (b *Book) Sweep(ctx context.Context, now time.Time, exec Executor) SweepResult {
	var res SweepResult

	for _, o := range b.pending() {
		if o.TxID != "" {
			status, err := exec.FillStatus(ctx, o.TxID)
			if err != nil {
				res.Errors++
				b.update(o.ID, func(cur *Order) { cur.LastError = err.Error() })
				continue
			}
			switch status {
			case FillConfirmed:
				b.update(o.ID, func(cur *Order) { markFilled(cur, cur.TxID, cur.AmountOut, now) })
				res.Filled++
				continue
			case FillPending:
				res.Awaiting++
				continue
			case FillFailed:
				b.update(o.ID, func(cur *Order) { cur.TxID, cur.AmountOut = "", 0 })
			}
		}
		if !now.Before(o.ExpiresAt) {
			if b.update(o.ID, func(cur *Order) { cur.Status = StatusExpired }) {
				res.Expired++
			}
		}
	}

	for _, o := range b.pending() {
		if o.TxID != "" || !b.claim(o.ID) {
			continue
		}
		out, err := exec.Quote(ctx, o)
		if err != nil {
			res.Errors++
			b.release(o.ID, func(cur *Order) { cur.LastError = err.Error() })
			continue
		}
		if out < o.MinAmountOut {
			b.release(o.ID, func(cur *Order) { cur.LastError = "" })
			continue
		}

		fill, err := exec.Fill(ctx, o, out)
		if err != nil {
			res.Errors++
			b.release(o.ID, func(cur *Order) { cur.LastError = err.Error() })
			continue
		}
		switch fill.Status {
		case FillConfirmed:
			b.release(o.ID, func(cur *Order) { markFilled(cur, fill.TxID, out, now) })
			res.Filled++
		case FillPending:
			b.release(o.ID, func(cur *Order) {
				cur.TxID, cur.AmountOut, cur.LastError = fill.TxID, out, ""
			})
			res.Awaiting++
		default:
			b.release(o.ID, func(cur *Order) { cur.LastError = "fill transaction discarded" })
			res.Errors++
		}
	}
	return res
}

func markFilled(o *Order, txID string, out uint64, now time.Time) {
	at := now
	o.Status = StatusFilled
	o.TxID = txID
	o.AmountOut = out
	o.FilledAt = &at
	o.LastError = ""
}

// pending snapshots Pending orders in insertion order.
func (b *Book) pending() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Order
	b.bySeq.Scan(func(_ uint64, o *Order) bool {
		if o.Status == StatusPending {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// update applies fn to a still-Pending order.
func (b *Book) update(id string, fn func(*Order)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok || o.Status != StatusPending {
		return false
	}
	fn(o)
	return true
}

// claim marks a Pending order in flight so it cannot be cancelled mid-settlement.
func (b *Book) claim(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok || o.Status != StatusPending || o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (b *Book) release(id string, fn func(*Order)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.byID[id]; ok {
		o.inFlight = false
		fn(o)
	}
}
