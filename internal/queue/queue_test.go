package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemory()
	defer q.Close()

	err := q.Publish(context.Background(), TopicCampaignSends, []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestInMemoryRetriesUntilSuccess(t *testing.T) {
	q := NewInMemory()
	q.backoff = time.Millisecond
	defer q.Close()

	var attempts atomic.Int32
	require.NoError(t, q.Subscribe(TopicCampaignSends, func(_ context.Context, body []byte) error {
		assert.Equal(t, `{"messageId":"msg_1"}`, string(body))
		if attempts.Add(1) < 3 {
			return errors.New("smtp unavailable")
		}
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), TopicCampaignSends, []byte(`{"messageId":"msg_1"}`)))
	q.Drain()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestInMemoryGivesUpAfterMaxRetries(t *testing.T) {
	q := NewInMemory()
	q.backoff = time.Millisecond
	defer q.Close()

	var attempts atomic.Int32
	require.NoError(t, q.Subscribe("jobs", func(context.Context, []byte) error {
		attempts.Add(1)
		return errors.New("always fails")
	}))

	require.NoError(t, q.Publish(context.Background(), "jobs", nil))
	q.Drain()
	assert.Equal(t, int32(MaxRetries+1), attempts.Load())
}

func TestInMemoryClosedRejectsPublish(t *testing.T) {
	q := NewInMemory()
	require.NoError(t, q.Subscribe("jobs", func(context.Context, []byte) error { return nil }))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), "jobs", nil), ErrClosed)
	assert.ErrorIs(t, q.Subscribe("jobs", func(context.Context, []byte) error { return nil }), ErrClosed)
}

func TestRetryCountHeaderTypes(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
	assert.Equal(t, 1, retryCount(amqp.Table{retryHeader: 1}))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "x"}))
}
