package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
)

// ErrQueueFull is returned when an event cannot be buffered
var ErrQueueFull = errors.New("event queue full")

// QueueOptions configures a Queue
type QueueOptions struct {
	Size            int           // Buffered events
	MaxRetries      uint64        // Retries per event after the first attempt
	InitialInterval time.Duration // First retry delay
	MaxInterval     time.Duration // Retry delay cap
	DedupeSize      int           // Remembered dedupe keys
}

// DefaultQueueOptions returns the options used by the service
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Size:            1024,
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		DedupeSize:      4096,
	}
}

// Queue is an asynchronous Forwarder. Forward only enqueues, so the
// pipeline never waits on the transport; a single worker delivers events to
// the sink, retrying with exponential backoff.
type Queue struct {
	sink    Sink
	opts    QueueOptions
	events  chan Event
	dedupe  *lru.Cache[string, struct{}]
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewQueue creates a queue in front of sink
func NewQueue(sink Sink, opts QueueOptions, logger *logrus.Logger, m *metrics.Metrics) *Queue {
	def := DefaultQueueOptions()
	if opts.Size <= 0 {
		opts.Size = def.Size
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = def.DedupeSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	dedupe, _ := lru.New[string, struct{}](opts.DedupeSize)

	return &Queue{
		sink:    sink,
		opts:    opts,
		events:  make(chan Event, opts.Size),
		dedupe:  dedupe,
		logger:  logger,
		metrics: m,
	}
}

// Forward enqueues an event without blocking. Events whose dedupe key was
// already accepted are dropped silently.
func (q *Queue) Forward(_ context.Context, ev Event) error {
	if key := ev.DedupeKey(); key != "" {
		if ok, _ := q.dedupe.ContainsOrAdd(key, struct{}{}); ok {
			q.metrics.EventsDropped.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	select {
	case q.events <- ev:
		return nil
	default:
		if key := ev.DedupeKey(); key != "" {
			q.dedupe.Remove(key)
		}
		q.metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled. Events still buffered
// at that point get one delivery attempt each.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case ev := <-q.events:
			q.deliver(ctx, ev)
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case ev := <-q.events:
			if err := q.sink.Send(ctx, ev); err != nil {
				q.dropped(ev, err)
				continue
			}
			q.metrics.EventsForwarded.WithLabelValues(string(ev.Type)).Inc()
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.opts.InitialInterval
	bo.MaxInterval = q.opts.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, q.opts.MaxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		return q.sink.Send(ctx, ev)
	}, policy, func(err error, wait time.Duration) {
		q.logger.WithFields(logrus.Fields{
			"event_id": ev.ID,
			"type":     ev.Type,
			"mac":      ev.Device.MAC,
		}).Warnf("Event delivery failed, retrying in %v: %v", wait, err)
	})
	if err != nil {
		q.dropped(ev, err)
		return
	}
	q.metrics.EventsForwarded.WithLabelValues(string(ev.Type)).Inc()
}

func (q *Queue) dropped(ev Event, err error) {
	q.metrics.EventsDropped.WithLabelValues("delivery_failed").Inc()
	q.logger.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"type":     ev.Type,
		"mac":      ev.Device.MAC,
	}).Errorf("Dropping event after failed delivery: %v", err)
}

// Len returns the number of buffered events
func (q *Queue) Len() int {
	return len(q.events)
}
