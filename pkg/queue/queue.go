package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// Options configure the broker. Zero values fall back to defaults.
type Options struct {
	Prefix        string
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
	Workers       int
	// LeaseTime bounds how long a popped job may stay invisible before the
	// reaper puts it back on its waiting list.
	LeaseTime time.Duration
}

// Queue is a durable Redis-backed job queue with at-least-once delivery:
// FIFO within a per-kind waiting list, a delayed set for jobs not yet
// eligible, and exponential backoff between attempts. Popped jobs sit on a
// processing list under a lease so a crashed worker's jobs are redelivered.
// Jobs that exhaust their attempts stay in the failed set for inspection,
// bounded by the retention policy.
type Queue struct {
	rdb      *redis.Client
	opts     Options
	handlers map[string]Handler
}

// Handler processes one job. Returning an error nacks the job and triggers
// the broker's retry policy; returning nil acks it.
type Handler func(ctx context.Context, job *Job) error

func New(rdb *redis.Client, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "newsloom:queue"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 1000
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 5000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = 5 * time.Minute
	}
	return &Queue{rdb: rdb, opts: opts, handlers: make(map[string]Handler)}
}

func (q *Queue) key(parts ...string) string {
	out := q.opts.Prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (q *Queue) waitingKey(kind string) string {
	return q.key("waiting", kind)
}

func (q *Queue) processingKey() string {
	return q.key("processing")
}

// Enqueue persists the job and makes it deliverable, immediately or after the
// optional delay. The payload must be JSON-serializable.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: q.opts.MaxAttempts,
		State:       StateWaiting,
		CreatedAt:   now,
		ReadyAt:     now,
		UpdatedAt:   now,
	}
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.ReadyAt = now.Add(opts.Delay)
	}

	if err := q.putJob(ctx, job); err != nil {
		return "", err
	}

	if job.State == StateDelayed {
		err = q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.rdb.RPush(ctx, q.waitingKey(kind), job.ID).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"kind":   kind,
		"delay":  opts.Delay.String(),
	}).Debug("job enqueued")

	return job.ID, nil
}

// GetJob loads one job by id for introspection.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.key("job", id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// Stats counts jobs per state directly from the broker, never from a cache.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := make([]*redis.IntCmd, len(jobKinds))
	for i, kind := range jobKinds {
		waiting[i] = pipe.LLen(ctx, q.waitingKey(kind))
	}
	active := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("collecting stats: %w", err)
	}
	stats := Stats{
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	for _, w := range waiting {
		stats.Waiting += w.Val()
	}
	return stats, nil
}

// Clean removes terminal jobs older than the given age from the completed or
// failed set, deleting their payloads. Returns the number removed.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, state string) (int64, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("clean does not apply to state %q", state)
	}

	maxScore := float64(time.Now().UTC().Add(-olderThan).UnixMilli())
	setKey := q.key(state)

	ids, err := q.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", maxScore),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.key("job", id))
		pipe.ZRem(ctx, setKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	logger.Log.WithFields(map[string]interface{}{
		"state":   state,
		"removed": len(ids),
	}).Info("queue cleaned")

	return int64(len(ids)), nil
}

func (q *Queue) putJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rdb.Set(ctx, q.key("job", job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose delay elapsed onto the waiting list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Orphaned member; drop it from the set.
			q.rdb.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		job.State = StateWaiting
		if err := q.putJob(ctx, job); err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.RPush(ctx, q.waitingKey(job.Kind), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reapStalled redelivers jobs orphaned on the processing list: an active job
// whose lease expired, or a job a worker claimed but never marked active
// before dying. The attempt counter is untouched; a crash is not a handler
// failure.
func (q *Queue) reapStalled(ctx context.Context) error {
	ids, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.LRem(ctx, q.processingKey(), 0, id)
			continue
		}
		if job.State == StateActive && job.LeaseUntil.After(now) {
			continue
		}
		if job.State != StateActive && now.Sub(job.UpdatedAt) < q.opts.LeaseTime {
			// A worker claimed it moments ago and has not leased it yet.
			continue
		}

		job.State = StateWaiting
		job.LeaseUntil = time.Time{}
		if err := q.putJob(ctx, job); err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 0, id)
		pipe.RPush(ctx, q.waitingKey(job.Kind), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		logger.Log.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"kind":     job.Kind,
			"attempts": job.Attempts,
		}).Warn("stalled job requeued")
	}
	return nil
}

// complete acks a job and applies the completed-set retention.
func (q *Queue) complete(ctx context.Context, job *Job) {
	job.State = StateCompleted
	job.LeaseUntil = time.Time{}
	if err := q.putJob(ctx, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to store completed job")
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 0, job.ID)
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{
		Score:  float64(time.Now().UTC().UnixMilli()),
		Member: job.ID,
	})
	pipe.Exec(ctx)

	q.trimRetention(ctx, StateCompleted, q.opts.KeepCompleted)
}

// release hands a job back untouched, delayed by one backoff interval. Used
// when this process has no handler for the kind; the attempt counter is not
// consumed because the job's real handler never ran.
func (q *Queue) release(ctx context.Context, job *Job) {
	job.State = StateDelayed
	job.LeaseUntil = time.Time{}
	job.ReadyAt = time.Now().UTC().Add(q.opts.BackoffBase)
	if err := q.putJob(ctx, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to store released job")
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 0, job.ID)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	pipe.Exec(ctx)
}

// fail nacks a job: either reschedules it with backoff or, once attempts are
// exhausted, parks it in the failed set.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) {
	delay, terminal := applyFailure(job, q.opts.BackoffBase, time.Now().UTC(), cause)
	job.LeaseUntil = time.Time{}

	if terminal {
		if err := q.putJob(ctx, job); err != nil {
			logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to store failed job")
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 0, job.ID)
		pipe.ZAdd(ctx, q.key("failed"), redis.Z{
			Score:  float64(time.Now().UTC().UnixMilli()),
			Member: job.ID,
		})
		pipe.Exec(ctx)
		q.trimRetention(ctx, StateFailed, q.opts.KeepFailed)

		logger.Log.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"kind":     job.Kind,
			"attempts": job.Attempts,
		}).Error("job failed terminally")
		return
	}

	if err := q.putJob(ctx, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to store retrying job")
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 0, job.ID)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	pipe.Exec(ctx)

	logger.Log.WithError(cause).WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempts,
		"retry_in": delay.String(),
	}).Warn("job failed, scheduled for retry")
}

func (q *Queue) trimRetention(ctx context.Context, state string, keep int) {
	setKey := q.key(state)
	ids, err := q.rdb.ZRange(ctx, setKey, 0, int64(-keep-1)).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := q.rdb.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.key("job", id))
		pipe.ZRem(ctx, setKey, id)
	}
	pipe.Exec(ctx)
}
