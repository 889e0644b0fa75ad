// Package notify fans applied registry changes out to external sinks
// without ever blocking or failing the registry operation that produced them.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

// Sink delivers one change to an external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, ch domain.Change) error
}

// Config sizes the dispatcher.
type Config struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	SendTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Buffer <= 0 {
		c.Buffer = c.Workers * 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher queues changes in a bounded buffer drained by worker
// goroutines. With more than one worker, sinks may observe changes out of
// order; consumers should order by Change.Timestamp.
type Dispatcher struct {
	cfg    Config
	sinks  []Sink
	logger *log.Logger

	mu     sync.RWMutex
	jobs   chan domain.Change
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher starts the workers. It panics without a logger, like the
// rest of the service wiring.
func NewDispatcher(cfg Config, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		panic("notify: logger is required")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		jobs:   make(chan domain.Change, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	logger.WithFields(log.Fields{
		"workers": cfg.Workers,
		"buffer":  cfg.Buffer,
		"handoff": cfg.HandoffTimeout,
		"sinks":   names,
	}).Info("notification dispatcher started")
	return d
}

// Publish hands ch to the workers. When the buffer stays full for longer
// than the handoff timeout the change is dropped and counted.
func (d *Dispatcher) Publish(ch domain.Change) {
	if len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ch, "dispatcher closed")
		return
	}

	select {
	case d.jobs <- ch:
		return
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		d.drop(ch, "buffer full")
		return
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- ch:
	case <-timer.C:
		d.drop(ch, "buffer full")
	}
}

// Close stops accepting changes and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.WithFields(log.Fields{
		"delivered": d.delivered.Load(),
		"dropped":   d.dropped.Load(),
		"failed":    d.failed.Load(),
	}).Info("notification dispatcher stopped")
}

// Delivered, Dropped and Failed expose the dispatcher counters.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) drop(ch domain.Change, reason string) {
	d.dropped.Add(1)
	d.logger.WithFields(log.Fields{"todo": ch.ID, "op": ch.Op, "reason": reason}).Warn("notification dropped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ch := range d.jobs {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
			err := sink.Send(ctx, ch)
			cancel()
			if err != nil {
				d.failed.Add(1)
				d.logger.WithError(err).WithFields(log.Fields{
					"sink":   sink.Name(),
					"todo":   ch.ID,
					"op":     ch.Op,
					"worker": id,
				}).Error("notification failed")
				continue
			}
			d.delivered.Add(1)
		}
	}
}
