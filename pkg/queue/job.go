package queue

import (
	"encoding/json"
	"time"
)

// Job kinds carried by the ingestion queue. Each kind has its own waiting
// list so a service only ever pops the kinds it registered handlers for; the
// other kinds stay queued for whichever deployment owns them.
const (
	KindProcessBatch  = "process-batch"
	KindProcessSingle = "process-single"
	KindCleanup       = "cleanup-old-articles"
	KindEnrich        = "enrich-article"
)

var jobKinds = []string{KindProcessBatch, KindProcessSingle, KindCleanup, KindEnrich}

// Job states. A job is owned exclusively by the broker; processors observe
// job fields but never mutate queue state directly.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
)

type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       string          `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadyAt     time.Time       `json:"ready_at"`
	// LeaseUntil is the visibility deadline of an active job. A job whose
	// lease expired is presumed orphaned by a dead worker and is requeued.
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (j *Job) Unmarshal(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// EnqueueOptions tune a single job. Zero values take the broker defaults.
type EnqueueOptions struct {
	// Delay holds the job out of delivery until it elapses.
	Delay time.Duration
	// MaxAttempts overrides the broker-wide attempt limit.
	MaxAttempts int
}

// Stats is a point-in-time count per state, always computed on demand.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// backoffDelay grows exponentially with the attempt just failed: base after
// the first failure, then 2x, 4x...
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}

// applyFailure records one failed attempt and decides the job's fate: delayed
// with backoff while attempts remain, terminally failed once they are
// exhausted. The attempts counter never exceeds MaxAttempts.
func applyFailure(job *Job, base time.Duration, now time.Time, cause error) (retryIn time.Duration, terminal bool) {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		return 0, true
	}

	delay := backoffDelay(base, job.Attempts)
	job.State = StateDelayed
	job.ReadyAt = now.Add(delay)
	return delay, false
}
