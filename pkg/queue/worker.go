package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const popTimeout = time.Second

// Register binds a handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind string, handler Handler) {
	q.handlers[kind] = handler
}

// Run starts the promotion/reaper loop and the worker pool and blocks until
// the context is canceled. Workers only pop the waiting lists of the kinds
// registered on this queue, so jobs for other services stay queued for them.
// A job is only acked after its handler returns nil.
func (q *Queue) Run(ctx context.Context) error {
	kinds := make([]string, 0, len(q.handlers))
	for kind := range q.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
					logger.Log.WithError(err).Error("delayed-job promotion failed")
				}
				if err := q.reapStalled(ctx); err != nil && ctx.Err() == nil {
					logger.Log.WithError(err).Error("stalled-job reap failed")
				}
			}
		}
	})

	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return q.workerLoop(ctx, worker, kinds)
		})
	}

	logger.Log.WithFields(map[string]interface{}{
		"workers": q.opts.Workers,
		"kinds":   kinds,
	}).Info("queue workers started")
	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context, worker int, kinds []string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for _, kind := range kinds {
			// The move to the processing list is the atomic claim; a worker
			// dying after it leaves the job where the reaper can see it.
			id, err := q.rdb.BLMove(ctx, q.waitingKey(kind), q.processingKey(), "LEFT", "RIGHT", popTimeout).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("failed to pop job")
				time.Sleep(time.Second)
				continue
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				logger.Log.WithError(err).WithField("job_id", id).Error("popped job has no record")
				q.rdb.LRem(ctx, q.processingKey(), 0, id)
				continue
			}

			q.dispatch(ctx, worker, job)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, worker int, job *Job) {
	handler, ok := q.handlers[job.Kind]
	if !ok {
		// Another deployment owns this kind; hand the job back without
		// spending an attempt.
		logger.Log.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"kind":   job.Kind,
		}).Warn("no handler for popped job, releasing")
		q.release(ctx, job)
		return
	}

	job.State = StateActive
	job.LeaseUntil = time.Now().UTC().Add(q.opts.LeaseTime)
	if err := q.putJob(ctx, job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to mark job active")
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"worker":  worker,
		"attempt": job.Attempts + 1,
	}).Debug("job started")

	if err := safeHandle(ctx, handler, job); err != nil {
		q.fail(ctx, job, err)
		return
	}
	q.complete(ctx, job)
}

// safeHandle turns a handler panic into an ordinary job failure so one bad
// payload cannot take a worker down.
func safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
