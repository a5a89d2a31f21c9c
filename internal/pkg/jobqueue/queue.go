package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/KiprotichDev/NetPesa/internal/pkg/reconcile"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "payment_job:"
	JobDedupPrefix   = "payment_job_dedup:"
	JobQueueKey      = "payment_job_queue"
	JobProcessingKey = "payment_job_processing"
	JobRetryKey      = "payment_job_retry"
	JobStatsKey      = "payment_job_stats"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
	DedupTTL          = 24 * time.Hour

	// Retained failed jobs stay visible for operators well past the normal TTL.
	ExhaustedJobTTL = 7 * 24 * time.Hour
)

// ErrDuplicateJob is returned by EnqueueUnique when a job with the same job
// key is already queued or in flight.
var ErrDuplicateJob = fmt.Errorf("job with this key already enqueued")

// Queue manages payment reconciliation jobs using Redis. Jobs survive process
// restarts: the pending and processing lists plus the per-job records are the
// durable source of truth, never in-process state.
type Queue struct {
	client     *redis.Client
	processor  *reconcile.Processor
	workers    int
	limiter    *rate.Limiter
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue. The Redis client and the reconciliation
// processor are injected so tests can point the queue at an isolated DB.
func NewQueue(client *redis.Client, processor *reconcile.Processor, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:    client,
		processor: processor,
		workers:   workers,
		// Bounds the aggregate rate of gateway verification calls across all
		// workers so a callback burst cannot hammer the query API.
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Start stuck-processing sweeper (recovers jobs stuck in processing due to crashes)
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, 1*time.Minute)

	// Start retry pump (moves due delayed retries back onto the pending queue)
	q.wg.Add(1)
	go q.retryPump(time.Second)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// EnqueueUnique adds a reconciliation job unless one with the same job key is
// already queued or in flight. The dedup claim is taken with SET NX before the
// job is pushed, so concurrent duplicate deliveries race on a single Redis
// write. The claim is released when the job reaches a terminal state; the
// database-level pending check covers duplicates arriving after that.
func (q *Queue) EnqueueUnique(ctx context.Context, jobKey string, payload ReconcilePaymentJobPayload) (*Job, error) {
	job := &Job{
		ID:         uuid.New().String(),
		Type:       JobTypeReconcilePayment,
		Status:     JobStatusPending,
		JobKey:     jobKey,
		Payload:    payload.ToMap(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	claimed, err := q.client.SetNX(ctx, JobDedupPrefix+jobKey, job.ID, DedupTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	if !claimed {
		return nil, ErrDuplicateJob
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		q.releaseDedup(ctx, jobKey)
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	// Use a pipeline for atomic operations
	pipe := q.client.Pipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		q.releaseDedup(ctx, jobKey)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (key=%s)", job.ID, jobKey)
	return job, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			// Try to get a job from the queue
			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				}
				// Release worker slot and wait before retry
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if job != nil {
				if err := q.limiter.Wait(ctx); err == nil {
					log.Infof("[JobQueue] Worker %d processing job %s (key=%s)", id, job.ID, job.JobKey)
					q.processJob(ctx, job)
				}
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		// Job data not found, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		// Invalid job data, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob processes a single job. Business failures from the reconciler are
// terminal outcomes and count as job success; only retryable errors put the
// job back on the queue.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	switch job.Type {
	case JobTypeReconcilePayment:
		err = q.processReconcilePaymentJob(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		// Check if job can be retried
		if job.IsRetryable() {
			backoff := time.Second * time.Duration(1<<job.RetryCount)
			log.Infof("[JobQueue] Retrying job %s in %s (Attempt %d/%d)", job.ID, backoff, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			q.scheduleRetry(ctx, job.ID, backoff)
		} else {
			// Retain the exhausted job for operator inspection instead of
			// deleting it; the payment row is still pending and the timeout
			// sweep will eventually expire it.
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.retainExhaustedJob(ctx, job)
			q.releaseDedup(ctx, job.JobKey)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		// Remove completed job from Redis entirely
		q.removeCompletedJob(ctx, job.ID)
		q.releaseDedup(ctx, job.JobKey)
	}

	// Completed jobs were deleted, exhausted jobs already persisted with the
	// retention TTL; only the retrying state needs a final write.
	if job.Status == JobStatusRetrying {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// scheduleRetry parks the job in the delayed-retry set with its due time as
// the score. The schedule lives in Redis, not in a process timer, so a job
// waiting out its backoff survives a restart.
func (q *Queue) scheduleRetry(ctx context.Context, jobID string, backoff time.Duration) {
	due := float64(time.Now().Add(backoff).UnixMilli())
	if err := q.client.ZAdd(ctx, JobRetryKey, redis.Z{Score: due, Member: jobID}).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", jobID, err)
		// Requeue immediately rather than stranding the job.
		if perr := q.client.LPush(ctx, JobQueueKey, jobID).Err(); perr != nil {
			log.Errorf("[JobQueue] Failed to requeue job %s after schedule error: %v", jobID, perr)
		}
	}
}

// retryPump periodically promotes due retries from the delayed set back onto
// the pending queue.
func (q *Queue) retryPump(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Retry pump stopping")
			return
		case <-ticker.C:
			q.promoteDueRetries(ctx)
		}
	}
}

// promoteDueRetries moves every retry whose due time has passed onto the
// pending queue. ZRem gates the push so two pumps cannot double-queue a job.
func (q *Queue) promoteDueRetries(ctx context.Context) int {
	cutoff := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, JobRetryKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		log.Errorf("[JobQueue] Retry scan error: %v", err)
		return 0
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobRetryKey, id).Result()
		if err != nil {
			log.Errorf("[JobQueue] Retry ZRem error for %s: %v", id, err)
			continue
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to requeue retry %s: %v", id, err)
			continue
		}
		promoted++
	}
	return promoted
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
			if err != nil {
				log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
				if err != nil {
					// Job data missing; remove from processing list
					if err != redis.Nil {
						log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
					}
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				var job Job
				if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
					log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				if job.Status != JobStatusProcessing {
					// Clean up stray entry
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				started := job.ProcessedAt
				if started == nil || started.IsZero() {
					tmp := job.UpdatedAt
					if tmp.IsZero() {
						tmp = job.CreatedAt
					}
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					log.Warnf("[JobQueue] Recovering stuck job %s (key=%s), age=%s", job.ID, job.JobKey, now.Sub(*started))
					job.Status = JobStatusPending
					job.ErrorMsg = "recovered by sweeper"
					job.UpdatedAt = now
					q.updateJob(ctx, &job)
					// Move from processing back to pending
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					_ = q.client.RPush(ctx, JobQueueKey, id).Err()
				}
			}
		}
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// retainExhaustedJob extends the TTL of a permanently failed job record
func (q *Queue) retainExhaustedJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal exhausted job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, ExhaustedJobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to retain exhausted job %s: %v", job.ID, err)
	}
}

// releaseDedup removes the idempotency claim for a job key
func (q *Queue) releaseDedup(ctx context.Context, jobKey string) {
	if jobKey == "" {
		return
	}
	if err := q.client.Del(ctx, JobDedupPrefix+jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to release dedup key %s: %v", jobKey, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
