// Package engine runs the settlement actor. A single goroutine owns the ledger
// client; every other goroutine talks to it through a bounded request queue and
// a one-shot reply channel per request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopy-network/poold/pkg/amm"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/metrics"
	"github.com/canopy-network/poold/pkg/oracle"
	"github.com/canopy-network/poold/pkg/orderbook"
	"github.com/canopy-network/poold/pkg/positions"
	"github.com/canopy-network/poold/pkg/volume"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable is returned when the engine goroutine is not running.
	ErrUnavailable    = errors.New("settlement engine unavailable")
	ErrInvalidRequest = errors.New("invalid request")
	ErrZeroPayout     = errors.New("withdrawal amount too small to pay out")
	errAlreadyRunning = errors.New("settlement engine already running")
)

type Config struct {
	// Pools are swept by the periodic scan and by a consume without a pool filter.
	Pools     []string
	QueueSize int
	Confirm   ledger.ConfirmOpts
	// SyncTimeout bounds each ledger sync; on expiry the engine continues on the last known state.
	SyncTimeout time.Duration
	// OrderRetention is how long terminal limit orders stay listed.
	OrderRetention time.Duration
}

// Deps are the collaborators the engine reads and writes. Client, Intents, Oracle,
// Book, Positions and Logger are required.
type Deps struct {
	Client    ledger.Client
	Intents   *intents.Registry
	Oracle    *oracle.Oracle
	Book      *orderbook.Book
	Positions *positions.Store
	Volumes   *volume.Tracker
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

type Engine struct {
	cfg       Config
	client    ledger.Client
	reader    *ledger.ReserveReader
	intents   *intents.Registry
	oracle    *oracle.Oracle
	book      *orderbook.Book
	positions *positions.Store
	volumes   *volume.Tracker
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	queue      chan request
	done       chan struct{}
	running    atomic.Bool
	pollQueued atomic.Bool

	// Owned by the engine goroutine.
	parked map[string]settlement // awaiting intents by note id
	fills  map[string]settlement // awaiting limit order fills by tx id
}

func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("engine: ledger client is required")
	case deps.Intents == nil, deps.Oracle == nil, deps.Book == nil, deps.Positions == nil:
		return nil, errors.New("engine: state stores are required")
	case deps.Logger == nil:
		return nil, errors.New("engine: logger is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Confirm.Attempts <= 0 || cfg.Confirm.Interval <= 0 {
		cfg.Confirm = ledger.DefaultConfirmOpts()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 45 * time.Second
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = 24 * time.Hour
	}
	if deps.Volumes == nil {
		deps.Volumes = volume.NewTracker()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.Named("engine")

	return &Engine{
		cfg:       cfg,
		client:    deps.Client,
		reader:    ledger.NewReserveReader(deps.Client, logger, cfg.SyncTimeout),
		intents:   deps.Intents,
		oracle:    deps.Oracle,
		book:      deps.Book,
		positions: deps.Positions,
		volumes:   deps.Volumes,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       deps.Now,
		queue:     make(chan request, cfg.QueueSize),
		done:      make(chan struct{}),
		parked:    map[string]settlement{},
		fills:     map[string]settlement{},
	}, nil
}

// Run processes requests until ctx is cancelled. It returns a non-nil error only
// when the engine cannot continue; callers must treat that as fatal.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(e.done)

	e.logger.Info("Settlement engine started",
		zap.Strings("pools", e.cfg.Pools),
		zap.Int("queue_size", cap(e.queue)))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Settlement engine stopped", zap.Int("dropped_requests", len(e.queue)))
			return nil
		case req := <-e.queue:
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
			if err := e.serve(ctx, req); err != nil {
				e.logger.Error("Settlement engine crashed", zap.Error(err))
				return err
			}
		}
	}
}

// Done is closed once Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Pools returns the configured pool ids.
func (e *Engine) Pools() []string {
	return append([]string(nil), e.cfg.Pools...)
}

// Consume sweeps poolID, or every configured pool when poolID is empty. Notes
// without an intent are consumed as plain deposits. A caller giving up on ctx does
// not cancel ledger work already queued.
func (e *Engine) Consume(ctx context.Context, poolID string) (ConsumeResult, error) {
	return call(ctx, e, func(reply chan result[ConsumeResult]) request {
		return consumeRequest{poolID: poolID, reply: reply}
	})
}

// Withdraw pays the user's share of both pool legs.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	return call(ctx, e, func(reply chan result[WithdrawResult]) request {
		return withdrawRequest{req: req, reply: reply}
	})
}

// PoolReserves reads the reserves of every configured pool through the engine.
func (e *Engine) PoolReserves(ctx context.Context) ([]PoolReserves, error) {
	return call(ctx, e, func(reply chan result[[]PoolReserves]) request {
		return reservesRequest{reply: reply}
	})
}

// Poll runs one background cycle and waits for its result.
func (e *Engine) Poll(ctx context.Context) (CycleResult, error) {
	return call(ctx, e, func(reply chan result[CycleResult]) request {
		return pollRequest{reply: reply}
	})
}

// TriggerPoll queues a background cycle without waiting. It returns false when a
// cycle is already queued or the queue is full.
func (e *Engine) TriggerPoll() bool {
	select {
	case <-e.done:
		return false
	default:
	}
	if !e.pollQueued.CompareAndSwap(false, true) {
		return false
	}
	select {
	case e.queue <- pollRequest{}:
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		e.pollQueued.Store(false)
		e.logger.Warn("Engine queue full, skipping scheduled poll")
		return false
	}
}

// CurrentFee returns the fee tier the engine would price the pool at right now.
func (e *Engine) CurrentFee(poolID string) amm.FeeTier {
	return amm.EstimateFee(e.oracle.Prices(poolID, amm.FeeWindow))
}

func (e *Engine) enqueue(ctx context.Context, req request) error {
	select {
	case <-e.done:
		return ErrUnavailable
	default:
	}
	select {
	case e.queue <- req:
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrUnavailable
	}
}

func call[T any](ctx context.Context, e *Engine, build func(chan result[T]) request) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	if err := e.enqueue(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrUnavailable
		}
	}
}

// serve handles one request. A panic is reported as an error so Run can stop.
func (e *Engine) serve(ctx context.Context, req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s request: %v", req.kind(), r)
		}
	}()

	switch r := req.(type) {
	case pollRequest:
		res := e.cycle(ctx)
		if r.reply != nil {
			r.reply <- result[CycleResult]{val: res}
		}
	case consumeRequest:
		res, err := e.consume(ctx, r.poolID)
		r.reply <- result[ConsumeResult]{val: res, err: err}
	case withdrawRequest:
		res, err := e.withdraw(ctx, r.req)
		r.reply <- result[WithdrawResult]{val: res, err: err}
	case reservesRequest:
		r.reply <- result[[]PoolReserves]{val: e.poolReserves(ctx)}
	}
	return nil
}

func (e *Engine) publish(evt events.Event) {
	if e.events != nil {
		e.events.Publish(evt)
	}
}

func (e *Engine) updateOrderGauges() {
	for status, n := range e.book.Counts() {
		e.metrics.Orders.WithLabelValues(string(status)).Set(float64(n))
	}
}
