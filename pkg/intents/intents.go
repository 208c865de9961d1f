// Package intents keeps the off-ledger metadata that tells the engine what a pool note is for.
package intents

import (
	"errors"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Kind says how a tracked note should be settled.
type Kind string

const (
	KindSwap    Kind = "swap"
	KindDeposit Kind = "deposit"
	// KindPlain marks a note that was announced without any settlement metadata.
	KindPlain Kind = "plain"
)

// State of a tracked intent.
type State string

const (
	StatePending State = "pending"
	// StateAwaiting means a transaction was submitted but its confirmation was not
	// observed in time. The intent is not resubmitted while in this state.
	StateAwaiting State = "awaiting_confirmation"
)

var (
	ErrMissingNoteID = errors.New("note id is required")
	ErrMissingPool   = errors.New("pool id is required")
	ErrNotTracked    = errors.New("intent not tracked")
)

// Swap describes a note that should be exchanged for BuyAsset.
type Swap struct {
	SellAsset    string `json:"sell_asset"`
	BuyAsset     string `json:"buy_asset"`
	AmountIn     uint64 `json:"amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

// Deposit describes a note that adds liquidity to a pool.
type Deposit struct {
	Assets   map[string]uint64 `json:"assets"`
	MinLPOut uint64            `json:"min_lp_out"`
}

// Intent is the metadata registered for one note.
type Intent struct {
	NoteID    string    `json:"note_id"`
	PoolID    string    `json:"pool_id"`
	Kind      Kind      `json:"kind"`
	Requester string    `json:"requester"`
	Swap      *Swap     `json:"swap,omitempty"`
	Deposit   *Deposit  `json:"deposit,omitempty"`
	State     State     `json:"state"`
	TxID      string    `json:"tx_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMetadata reports whether the intent carries swap or deposit parameters.
func (i Intent) HasMetadata() bool {
	return i.Kind == KindSwap || i.Kind == KindDeposit
}

// Registry maps note ids to intents. Safe for concurrent use.
type Registry struct {
	byNote *xsync.Map[string, Intent]
}

func NewRegistry() *Registry {
	return &Registry{byNote: xsync.NewMap[string, Intent]()}
}

// Track registers or replaces the intent for a note. A note already awaiting
// confirmation keeps its state and tx id.
func (r *Registry) Track(in Intent) (Intent, error) {
	if in.NoteID == "" {
		return Intent{}, ErrMissingNoteID
	}
	if in.HasMetadata() && in.PoolID == "" {
		return Intent{}, ErrMissingPool
	}
	if in.Kind == "" {
		in.Kind = KindPlain
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	out, _ := r.byNote.Compute(in.NoteID, func(old Intent, loaded bool) (Intent, xsync.ComputeOp) {
		in.State = StatePending
		if loaded && old.State == StateAwaiting {
			in.State = old.State
			in.TxID = old.TxID
		}
		return in, xsync.UpdateOp
	})
	return out, nil
}

func (r *Registry) Get(noteID string) (Intent, bool) {
	return r.byNote.Load(noteID)
}

// Remove drops the intent for a note. It reports whether one was present.
func (r *Registry) Remove(noteID string) bool {
	_, ok := r.byNote.LoadAndDelete(noteID)
	return ok
}

// MarkAwaiting records that txID was submitted for the note but not yet confirmed.
func (r *Registry) MarkAwaiting(noteID, txID string) error {
	return r.setState(noteID, StateAwaiting, txID)
}

// Release returns an awaiting intent to pending so a later cycle can settle it again.
func (r *Registry) Release(noteID string) error {
	return r.setState(noteID, StatePending, "")
}

func (r *Registry) setState(noteID string, state State, txID string) error {
	found := false
	r.byNote.Compute(noteID, func(old Intent, loaded bool) (Intent, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		found = true
		old.State = state
		old.TxID = txID
		return old, xsync.UpdateOp
	})
	if !found {
		return ErrNotTracked
	}
	return nil
}

// List returns every intent ordered by creation time, then note id.
func (r *Registry) List() []Intent {
	out := make([]Intent, 0, r.byNote.Size())
	r.byNote.Range(func(_ string, in Intent) bool {
		out = append(out, in)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].NoteID < out[j].NoteID
	})
	return out
}

// Awaiting returns intents whose confirmation is outstanding.
func (r *Registry) Awaiting() []Intent {
	var out []Intent
	for _, in := range r.List() {
		if in.State == StateAwaiting {
			out = append(out, in)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return r.byNote.Size()
}
