// Package queue carries background jobs (campaign sends) between the API and workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	TopicCampaignSends = "campaign_sends"

	MaxRetries     = 3
	DefaultBackoff = 500 * time.Millisecond
)

var (
	ErrNoSubscribers = errors.New("no subscribers for topic")
	ErrClosed        = errors.New("queue closed")
)

// Handler processes one job body. A returned error schedules a retry.
type Handler func(ctx context.Context, body []byte) error

type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// InMemory runs each job on its own goroutine with linear backoff between retries.
type InMemory struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	backoff  time.Duration
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewInMemory() *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		handlers: make(map[string][]Handler),
		backoff:  DefaultBackoff,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *InMemory) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	handlers := append([]Handler(nil), q.handlers[topic]...)
	if len(handlers) > 0 {
		q.wg.Add(len(handlers))
	}
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, topic)
	}

	payload := append([]byte(nil), body...)
	for _, handler := range handlers {
		go func(handler Handler) {
			defer q.wg.Done()
			q.process(topic, handler, payload)
		}(handler)
	}
	return nil
}

func (q *InMemory) process(topic string, handler Handler, body []byte) {
	for attempt := 0; ; attempt++ {
		err := handler(q.ctx, body)
		if err == nil {
			return
		}
		if attempt >= MaxRetries {
			log.Printf("queue: %s job dropped after %d retries: %v", topic, MaxRetries, err)
			return
		}
		log.Printf("queue: %s job failed (retry %d/%d): %v", topic, attempt+1, MaxRetries, err)

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * q.backoff):
		}
	}
}

func (q *InMemory) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops pending retries and waits for running jobs.
func (q *InMemory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// Drain waits for every published job to finish without closing the queue.
func (q *InMemory) Drain() {
	q.wg.Wait()
}
