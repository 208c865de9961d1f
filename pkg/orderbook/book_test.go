package orderbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeExec struct {
	quote     uint64
	quoteErr  error
	fill      Fill
	fillErr   error
	status    FillStatus
	quoted    []string
	filled    []string
	statusFor []string
}

func (f *fakeExec) Quote(_ context.Context, o Order) (uint64, error) {
	f.quoted = append(f.quoted, o.ID)
	return f.quote, f.quoteErr
}

func (f *fakeExec) Fill(_ context.Context, o Order, _ uint64) (Fill, error) {
	f.filled = append(f.filled, o.ID)
	return f.fill, f.fillErr
}

func (f *fakeExec) FillStatus(_ context.Context, txID string) (FillStatus, error) {
	f.statusFor = append(f.statusFor, txID)
	return f.status, nil
}

func newOrder(note string, ttl time.Duration) Order {
	return Order{
		NoteID:       note,
		PoolID:       "pool",
		Requester:    "alice",
		SellAsset:    "A",
		BuyAsset:     "B",
		AmountIn:     100,
		MinAmountOut: 80,
		CreatedAt:    now.Add(-time.Minute),
		ExpiresAt:    now.Add(ttl),
	}
}

func TestSubmitValidatesAndAssignsID(t *testing.T) {
	b := New()
	bad := newOrder("n1", time.Hour)
	bad.BuyAsset = "A"
	_, err := b.Submit(bad)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	o, err := b.Submit(newOrder("n1", time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, b.HasPendingNote("n1"))

	_, err = b.Submit(newOrder("n1", time.Hour))
	assert.ErrorIs(t, err, ErrDuplicateNote)
}

func TestCancel(t *testing.T) {
	b := New()
	o, err := b.Submit(newOrder("n1", time.Hour))
	require.NoError(t, err)

	got, err := b.Cancel(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = b.Cancel(o.ID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = b.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, b.HasPendingNote("n1"))
}

func TestSweepExpiresBeforeFilling(t *testing.T) {
	b := New()
	expired, err := b.Submit(newOrder("n1", -time.Second))
	require.NoError(t, err)
	live, err := b.Submit(newOrder("n2", time.Hour))
	require.NoError(t, err)

	exec := &fakeExec{quote: 95, fill: Fill{TxID: "tx-1", Status: FillConfirmed}}
	res := b.Sweep(context.Background(), now, exec)

	assert.Equal(t, SweepResult{Expired: 1, Filled: 1}, res)
	assert.Equal(t, []string{live.ID}, exec.quoted)

	got, _ := b.Get(expired.ID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = b.Get(live.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, uint64(95), got.AmountOut)
	assert.Equal(t, "tx-1", got.TxID)

	// Terminal orders are never touched again.
	exec.quoted = nil
	res = b.Sweep(context.Background(), now.Add(time.Minute), exec)
	assert.Equal(t, SweepResult{}, res)
	assert.Empty(t, exec.quoted)
}

func TestSweepLeavesUnmetOrdersPending(t *testing.T) {
	b := New()
	o, err := b.Submit(newOrder("n1", time.Hour))
	require.NoError(t, err)

	exec := &fakeExec{quote: 79}
	res := b.Sweep(context.Background(), now, exec)
	assert.Equal(t, SweepResult{}, res)
	assert.Empty(t, exec.filled)

	exec.quote, exec.fillErr = 81, errors.New("note not found")
	res = b.Sweep(context.Background(), now, exec)
	assert.Equal(t, 1, res.Errors)
	got, _ := b.Get(o.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "note not found", got.LastError)

	exec.quoteErr = errors.New("empty pool")
	res = b.Sweep(context.Background(), now, exec)
	assert.Equal(t, 1, res.Errors)
}

func TestSweepReconcilesAmbiguousFill(t *testing.T) {
	b := New()
	o, err := b.Submit(newOrder("n1", time.Minute))
	require.NoError(t, err)

	exec := &fakeExec{quote: 90, fill: Fill{TxID: "tx-9", Status: FillPending}, status: FillPending}
	res := b.Sweep(context.Background(), now, exec)
	assert.Equal(t, 1, res.Awaiting)
	got, _ := b.Get(o.ID)
	assert.Equal(t, "tx-9", got.TxID)

	_, err = b.Cancel(o.ID)
	assert.ErrorIs(t, err, ErrInFlight)

	// Still unconfirmed after expiry: neither expired nor resubmitted.
	res = b.Sweep(context.Background(), now.Add(2*time.Minute), exec)
	assert.Equal(t, SweepResult{Awaiting: 1}, res)
	assert.Len(t, exec.filled, 1)

	exec.status = FillConfirmed
	res = b.Sweep(context.Background(), now.Add(3*time.Minute), exec)
	assert.Equal(t, SweepResult{Filled: 1}, res)
	got, _ = b.Get(o.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, uint64(90), got.AmountOut)
}

func TestSweepReleasesDiscardedFill(t *testing.T) {
	b := New()
	o, err := b.Submit(newOrder("n1", time.Hour))
	require.NoError(t, err)

	exec := &fakeExec{quote: 90, fill: Fill{TxID: "tx-1", Status: FillPending}}
	b.Sweep(context.Background(), now, exec)

	exec.status = FillFailed
	exec.fill = Fill{TxID: "tx-2", Status: FillConfirmed}
	res := b.Sweep(context.Background(), now, exec)
	assert.Equal(t, 1, res.Filled)
	got, _ := b.Get(o.ID)
	assert.Equal(t, "tx-2", got.TxID)
}

func TestListPruneAndCounts(t *testing.T) {
	b := New()
	first, _ := b.Submit(newOrder("n1", time.Hour))
	other := newOrder("n2", time.Hour)
	other.Requester = "bob"
	_, _ = b.Submit(other)
	_, _ = b.Cancel(first.ID)

	assert.Len(t, b.List(""), 2)
	assert.Len(t, b.List("bob"), 1)
	counts := b.Counts()
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCancelled])

	assert.Equal(t, 1, b.Prune(now))
	assert.Len(t, b.List(""), 1)
}
