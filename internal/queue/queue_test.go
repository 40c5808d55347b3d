package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/breaker"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

func TestProducer_BreakerOpenShortCircuitsBeforeRedis(t *testing.T) {
	b := breaker.New(1, 60*time.Second)
	b.RecordFailure() // opens immediately at threshold 1

	// rdb is intentionally nil: ShouldAttempt() must deny before any Redis
	// call is made, so this must not panic.
	p := NewProducer(nil, b, 3)

	result := p.Publish(context.Background(), model.RawEvent{Data: model.RawEventData{OrderSN: "A1"}}, []byte(`{}`))

	require.False(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Empty(t, result.QueueID)
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "shopee:webhooks:main", KeyMain)
	assert.Equal(t, "shopee:webhooks:dead_letter", KeyDLQ)
	assert.Equal(t, "shopee:webhooks:stats", KeyStats)
}
