package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQP is a RabbitMQ-backed queue: one durable queue per topic, persistent messages and
// manual acks. Failed jobs are republished with an incremented x-retry-count header.
type AMQP struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	backoff time.Duration

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func DialAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set rabbitmq qos: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQP{
		conn:     conn,
		ch:       ch,
		backoff:  DefaultBackoff,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (q *AMQP) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQP) publish(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
}

func (q *AMQP) Publish(_ context.Context, topic string, body []byte) error {
	if err := q.publish(topic, body, 0); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (q *AMQP) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	deliveries, err := q.ch.Consume(
		topic,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range deliveries {
			q.handle(topic, handler, d)
		}
	}()
	return nil
}

func (q *AMQP) handle(topic string, handler Handler, d amqp.Delivery) {
	err := handler(q.ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= MaxRetries {
		log.Printf("queue: %s job dropped after %d retries: %v", topic, retries, err)
		_ = d.Ack(false)
		return
	}

	log.Printf("queue: %s job failed (retry %d/%d): %v", topic, retries+1, MaxRetries, err)
	select {
	case <-q.ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(time.Duration(retries+1) * q.backoff):
	}
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		log.Printf("queue: republish %s job: %v", topic, perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// retryCount reads x-retry-count regardless of which integer type the broker decoded.
func retryCount(headers amqp.Table) int {
	switch value := headers[retryHeader].(type) {
	case int:
		return value
	case int8:
		return int(value)
	case int16:
		return int(value)
	case int32:
		return int(value)
	case int64:
		return int(value)
	default:
		return 0
	}
}

func (q *AMQP) Close() error {
	q.cancel()
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	q.wg.Wait()
	if chErr != nil {
		return chErr
	}
	return connErr
}
