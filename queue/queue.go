package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"whatsapp-karl-bot/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Enqueue after Stop.
var ErrClosed = errors.New("queue closed")

// Handler processes one inbound event.
type Handler func(ctx context.Context, evt types.InboundEvent)

// Queue buffers inbound events so the transport's event goroutine never waits on
// a completion request. Events are handed to a worker pool.
type Queue struct {
	events     chan types.InboundEvent
	workers    *slots
	handler    Handler
	logger     zerolog.Logger
	metrics    *QueueMetrics

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// QueueMetrics holds the prometheus collectors of a queue
type QueueMetrics struct {
	queueLength       prometheus.Gauge
	processingTime    prometheus.Histogram
	messagesProcessed prometheus.Counter
	messagesDropped   prometheus.Counter
	panics            prometheus.Counter
}

// NewQueue creates a queue with the given buffer size and number of workers.
// Metrics are registered on reg; pass prometheus.NewRegistry() in tests.
func NewQueue(numWorkers, buffer int, handler Handler, reg prometheus.Registerer, logger zerolog.Logger) *Queue {
	factory := promauto.With(reg)

	metrics := &QueueMetrics{
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "message_queue_length",
			Help: "Current number of messages waiting for a worker",
		}),
		processingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "message_processing_time_seconds",
			Help:    "Time taken to process messages",
			Buckets: prometheus.DefBuckets,
		}),
		messagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Total number of processed messages",
		}),
		messagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_dropped_total",
			Help: "Messages dropped because the queue was full",
		}),
		panics: factory.NewCounter(prometheus.CounterOpts{
			Name: "message_handler_panics_total",
			Help: "Message handlers that panicked and were recovered",
		}),
	}

	return &Queue{
		events:     make(chan types.InboundEvent, buffer),
		workers:    newSlots(numWorkers),
		handler:    handler,
		logger:     logger.With().Str("component", "queue").Logger(),
		metrics:    metrics,
		stopped:    make(chan struct{}),
	}
}

// Enqueue adds an event without blocking. A full buffer drops the event.
func (q *Queue) Enqueue(evt types.InboundEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.events <- evt:
		q.metrics.queueLength.Inc()
		return nil
	default:
		q.metrics.messagesDropped.Inc()
		q.logger.Warn().Str("message_id", evt.ID).Msg("queue full, dropping message")
		return nil
	}
}

// Run dispatches events to workers until ctx is done or Stop is called,
// then waits for running handlers to return.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.stopped)
	for {
		select {
		case <-ctx.Done():
			q.workers.wait()
			return
		case evt, ok := <-q.events:
			if !ok {
				q.workers.wait()
				return
			}
			q.metrics.queueLength.Dec()
			if err := q.workers.run(ctx, func() { q.process(ctx, evt) }); err != nil {
				q.metrics.messagesDropped.Inc()
				q.logger.Debug().Err(err).Str("message_id", evt.ID).Msg("no worker before shutdown, dropping message")
			}
		}
	}
}

// Stop refuses new events and lets Run drain what is buffered.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

func (q *Queue) process(ctx context.Context, evt types.InboundEvent) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.metrics.panics.Inc()
			q.logger.Error().Interface("panic", r).Str("message_id", evt.ID).Msg("message handler panicked")
		}
		q.metrics.messagesProcessed.Inc()
		q.metrics.processingTime.Observe(time.Since(start).Seconds())
	}()
	q.handler(ctx, evt)
}

// slots caps how many handlers run at once.
type slots struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newSlots(n int) *slots {
	if n < 1 {
		n = 1
	}
	return &slots{sem: make(chan struct{}, n)}
}

// run starts task once a slot is free. It gives up if ctx ends first.
func (s *slots) run(ctx context.Context, task func()) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.sem
			s.wg.Done()
		}()
		task()
	}()
	return nil
}

func (s *slots) wait() {
	s.wg.Wait()
}
