package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Publisher accepts events without blocking the caller on delivery.
type Publisher interface {
	Publish(evt Event)
}

// Sink delivers a single event to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Dispatcher delivers every published event to each sink on a bounded worker pool.
// Publish never waits: when the queue is full the delivery is dropped.
type Dispatcher struct {
	pool    pond.Pool
	sinks   []Sink
	timeout time.Duration
	dropped *prometheus.CounterVec
	logger  *zap.Logger
}

type DispatcherOpts struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single sink delivery.
	Timeout time.Duration
	// Dropped, when set, counts deliveries refused by a full queue, labelled by sink.
	Dropped *prometheus.CounterVec
}

func NewDispatcher(logger *zap.Logger, o DispatcherOpts, sinks ...Sink) *Dispatcher {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		pool:    pond.NewPool(o.Workers, pond.WithQueueSize(o.QueueSize), pond.WithNonBlocking(true)),
		sinks:   sinks,
		timeout: o.Timeout,
		dropped: o.Dropped,
		logger:  logger,
	}
}

// Publish queues evt for every sink. Delivery failures and deliveries that find
// the queue full are logged and dropped.
func (d *Dispatcher) Publish(evt Event) {
	for _, s := range d.sinks {
		sink := s
		task, ok := d.pool.TrySubmit(func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Sink panicked",
						zap.String("sink", sink.Name()),
						zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := sink.Deliver(ctx, evt); err != nil {
				d.logger.Warn("Failed to deliver settlement event",
					zap.String("sink", sink.Name()),
					zap.String("event_id", evt.ID),
					zap.String("type", string(evt.Type)),
					zap.Error(err))
			}
		})
		if !ok {
			d.drop(sink, evt, task.Wait())
		}
	}
}

func (d *Dispatcher) drop(sink Sink, evt Event, err error) {
	if d.dropped != nil {
		d.dropped.WithLabelValues(sink.Name()).Inc()
	}
	if errors.Is(err, pond.ErrPoolStopped) {
		d.logger.Debug("Event dispatcher stopped, dropping settlement event",
			zap.String("sink", sink.Name()),
			zap.String("event_id", evt.ID))
		return
	}
	d.logger.Warn("Event queue full, dropping settlement event",
		zap.String("sink", sink.Name()),
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.Error(err))
}

// Dropped reports how many deliveries were refused since the dispatcher started.
func (d *Dispatcher) Dropped() uint64 {
	return d.pool.DroppedTasks()
}

// Sinks lists the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Close waits for queued deliveries to finish.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
	d.logger.Debug("Event dispatcher stopped", zap.String("sinks", fmt.Sprint(d.Sinks())))
}
