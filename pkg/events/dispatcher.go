package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
)

// DispatcherConfig tunes the asynchronous fan-out
type DispatcherConfig struct {
	BufferSize   int           `json:"buffer_size" yaml:"buffer_size"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultDispatcherConfig returns default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:   1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Dispatcher fans events out to sinks from a single background goroutine.
// Publish never blocks: when the buffer is full the event is dropped.
type Dispatcher struct {
	config  DispatcherConfig
	sinks   []Sink
	queue   chan Event
	logger  logging.Logger
	metrics metrics.Collector

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDispatcher starts a dispatcher over the given sinks
func NewDispatcher(config DispatcherConfig, logger logging.Logger, collector metrics.Collector, sinks ...Sink) *Dispatcher {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultDispatcherConfig().WriteTimeout
	}
	d := &Dispatcher{
		config:  config,
		sinks:   sinks,
		queue:   make(chan Event, config.BufferSize),
		logger:  logging.OrGlobal(logger).With(logging.Component("events")),
		metrics: metrics.OrNop(collector),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues an event for every sink
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- e:
	default:
		d.metrics.IncrementCounter(metrics.EventsDropped.Name, metrics.Labels("sink", "all", "reason", "buffer_full"))
		d.logger.Warn("event buffer full, dropping event", logging.String("type", string(e.Type)))
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.done:
			// drain what was accepted before Close
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.WriteTimeout)
		err := sink.Write(ctx, e)
		cancel()

		if err != nil {
			d.metrics.IncrementCounter(metrics.EventsDropped.Name, metrics.Labels("sink", sink.Name(), "reason", "write_failed"))
			d.logger.Warn("failed to write event",
				logging.String("sink", sink.Name()),
				logging.String("type", string(e.Type)),
				logging.Err(err),
			)
			continue
		}
		d.metrics.IncrementCounter(metrics.EventsPublished.Name, metrics.Labels("sink", sink.Name()))
	}
}

// Close drains pending events, then closes every sink
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
	<-d.stopped

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
