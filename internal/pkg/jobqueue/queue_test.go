package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(checkoutID string) ReconcilePaymentJobPayload {
	amount := 30.0
	return ReconcilePaymentJobPayload{
		CheckoutRequestID: checkoutID,
		ResultCode:        0,
		Amount:            &amount,
		ReceiptNumber:     "NLJ7RT61SV",
		PhoneNumber:       "254712345678",
	}
}

func TestEnqueueUniqueDeduplicates(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_dedup", testPayload("ws_CO_dedup"))
	require.NoError(t, err)
	require.NotNil(t, job)

	// Second delivery for the same correlation id must be suppressed.
	dup, err := q.EnqueueUnique(ctx, "ws_CO_dedup", testPayload("ws_CO_dedup"))
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Nil(t, dup)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	// A different correlation id is not affected.
	other, err := q.EnqueueUnique(ctx, "ws_CO_other", testPayload("ws_CO_other"))
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestEnqueuePersistsJobRecord(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_persist", testPayload("ws_CO_persist"))
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeReconcilePayment, stored.Type)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "ws_CO_persist", stored.JobKey)
	assert.Equal(t, DefaultMaxRetries, stored.MaxRetries)

	payload, err := ReconcilePaymentJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_persist", payload.CheckoutRequestID)
	require.NotNil(t, payload.Amount)
	assert.Equal(t, 30.0, *payload.Amount)
}

func TestDequeueMovesJobToProcessing(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	enqueued, err := q.EnqueueUnique(ctx, "ws_CO_dequeue", testPayload("ws_CO_dequeue"))
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, job.ID)

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestDedupReleasedAfterTerminalFailure(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_exhaust", testPayload("ws_CO_exhaust"))
	require.NoError(t, err)

	// Exhaust the retry budget, then release the claim as processJob would.
	for job.IsRetryable() || job.RetryCount == 0 {
		job.MarkAsFailed("simulated failure")
	}
	q.retainExhaustedJob(ctx, job)
	q.releaseDedup(ctx, job.JobKey)

	// The exhausted record stays visible for operators.
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	ttl, err := client.TTL(ctx, JobKeyPrefix+job.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, JobTTL)

	// A fresh delivery can enqueue again now.
	again, err := q.EnqueueUnique(ctx, "ws_CO_exhaust", testPayload("ws_CO_exhaust"))
	require.NoError(t, err)
	require.NotNil(t, again)
}

func TestScheduledRetrySurvivesRestart(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_retry", testPayload("ws_CO_retry"))
	require.NoError(t, err)

	_, err = q.dequeueJob(ctx)
	require.NoError(t, err)
	q.removeFromProcessing(ctx, job.ID)

	// Schedule the retry with the backoff already elapsed.
	q.scheduleRetry(ctx, job.ID, -time.Second)

	parked, err := client.ZCard(ctx, JobRetryKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked, "retry parked in Redis, not a process timer")

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// A different queue instance sees and promotes the retry, as a restarted
	// process would.
	restarted := NewQueue(client, nil, 1)
	assert.Equal(t, 1, restarted.promoteDueRetries(ctx))

	pending, err = restarted.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "due retry back on the pending queue")

	parked, err = client.ZCard(ctx, JobRetryKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), parked)

	// A second pass must not double-queue the job.
	assert.Equal(t, 0, restarted.promoteDueRetries(ctx))
}

func TestRetryNotPromotedBeforeDue(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_future", testPayload("ws_CO_future"))
	require.NoError(t, err)

	_, err = q.dequeueJob(ctx)
	require.NoError(t, err)
	q.removeFromProcessing(ctx, job.ID)

	q.scheduleRetry(ctx, job.ID, time.Hour)

	assert.Equal(t, 0, q.promoteDueRetries(ctx))

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending, "backoff still running")

	parked, err := client.ZCard(ctx, JobRetryKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestStuckJobRecovery(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, nil, 1)
	ctx := context.Background()

	job, err := q.EnqueueUnique(ctx, "ws_CO_stuck", testPayload("ws_CO_stuck"))
	require.NoError(t, err)

	// Simulate a worker crash: job sits in the processing list with a stale
	// processing timestamp.
	_, err = q.dequeueJob(ctx)
	require.NoError(t, err)
	stale := time.Now().Add(-30 * time.Minute)
	job.Status = JobStatusProcessing
	job.ProcessedAt = &stale
	q.updateJob(ctx, job)

	// One sweeper pass, driven manually through its recovery branch.
	ids, err := client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	stopAfterOneTick := make(chan struct{})
	go func() {
		q.wg.Add(1)
		q.stuckSweeper(10*time.Minute, 50*time.Millisecond)
		close(stopAfterOneTick)
	}()
	time.Sleep(300 * time.Millisecond)
	close(q.stopCh)
	<-stopAfterOneTick

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "stuck job requeued")

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	recovered, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, recovered.Status)
	assert.Equal(t, "recovered by sweeper", recovered.ErrorMsg)
}
