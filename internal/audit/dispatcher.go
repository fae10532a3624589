// Package audit ships confirmation security events to the analytics and
// alerting backends without blocking the request path.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collection-otp-service/internal/config"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

const (
	maxBatch     = 256
	writeTimeout = 5 * time.Second
)

// Sink receives batches of events. Implementations must be safe for use by
// one dispatcher goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.SecurityEvent) error
}

// Dispatcher queues events and fans each batch out to every sink.
type Dispatcher struct {
	cfg       config.AuditConfig
	sinks     []Sink
	ch        chan model.SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher returns nil when auditing is disabled; a nil Dispatcher
// accepts and discards events.
func NewDispatcher(cfg config.AuditConfig, sinks ...Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &Dispatcher{
		cfg:   cfg,
		sinks: sinks,
		ch:    make(chan model.SecurityEvent, cfg.BufferSize),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.write(d.collect(event))
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.write(d.collect(event))
				default:
					return
				}
			}
		}
	}
}

// collect drains whatever is already queued behind first.
func (d *Dispatcher) collect(first model.SecurityEvent) []model.SecurityEvent {
	batch := []model.SecurityEvent{first}
	for len(batch) < maxBatch {
		select {
		case event := <-d.ch:
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (d *Dispatcher) write(batch []model.SecurityEvent) {
	if len(d.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(gctx, batch); err != nil {
				d.failed.Add(uint64(len(batch)))
				util.Warn("Audit sink write failed",
					util.String("sink", sink.Name()),
					util.Int("events", len(batch)),
					util.ErrorField(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Emit enqueues event. With DropIfFull a full buffer drops the event,
// otherwise Emit waits for space or ctx.
func (d *Dispatcher) Emit(ctx context.Context, event model.SecurityEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	if event.EventDate == "" {
		event.EventDate = event.EventTime.UTC().Format("2006-01-02")
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close flushes queued events and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
