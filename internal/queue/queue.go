package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one message body. A returned error triggers a retry.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

const (
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
)

type subscription struct {
	ctx     context.Context
	handler Handler
}

// InMemoryQueue delivers every published message to each subscriber of the
// topic in its own goroutine, retrying failures with linear backoff.
type InMemoryQueue struct {
	MaxRetries int
	Backoff    time.Duration

	mu       sync.Mutex
	handlers map[string][]subscription
	inflight sync.WaitGroup
	log      zerolog.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		MaxRetries: defaultMaxRetries,
		Backoff:    defaultBackoff,
		handlers:   make(map[string][]subscription),
		log:        log,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, body []byte) error {
	q.mu.Lock()
	subs := append([]subscription(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, sub := range subs {
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			q.processJob(sub, topic, body)
		}()
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(sub subscription, topic string, body []byte) {
	log := q.log.With().Str("topic", topic).Logger()

	for attempt := 0; ; attempt++ {
		err := sub.handler(sub.ctx, body)
		if err == nil {
			return
		}
		if attempt >= q.MaxRetries {
			log.Error().Err(err).Int("attempts", attempt+1).Msg("job permanently failed")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", q.MaxRetries).Msg("job failed, retrying")

		t := time.NewTimer(time.Duration(attempt+1) * q.Backoff)
		select {
		case <-sub.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Subscribe adds a handler for a topic. The handler receives ctx and stops
// being retried once ctx is done.
func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// Close waits for in-flight jobs to finish.
func (q *InMemoryQueue) Close() error {
	q.inflight.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
