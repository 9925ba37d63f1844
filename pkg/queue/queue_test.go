package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPrefix = "test:queue"

func newTestBroker(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(rdb, Options{
		Prefix:      testPrefix,
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
		Workers:     1,
		LeaseTime:   time.Minute,
	})
	return q, rdb
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

type notePayload struct {
	Note string `json:"note"`
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempts); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestJobUnmarshalPayload(t *testing.T) {
	type payload struct {
		Days int `json:"days"`
	}

	job := &Job{Payload: []byte(`{"days":30}`)}
	var p payload
	if err := job.Unmarshal(&p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Days != 30 {
		t.Fatalf("expected 30, got %d", p.Days)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	q := New(nil, Options{})
	if q.opts.MaxAttempts != 5 {
		t.Fatalf("default max attempts = %d", q.opts.MaxAttempts)
	}
	if q.opts.BackoffBase != 5*time.Second {
		t.Fatalf("default backoff base = %s", q.opts.BackoffBase)
	}
	if q.opts.Workers != 4 {
		t.Fatalf("default workers = %d", q.opts.Workers)
	}
	if q.opts.LeaseTime != 5*time.Minute {
		t.Fatalf("default lease time = %s", q.opts.LeaseTime)
	}
	if q.opts.Prefix == "" {
		t.Fatal("default prefix missing")
	}
}

func TestSafeHandleRecoversPanic(t *testing.T) {
	err := safeHandle(context.Background(), func(ctx context.Context, job *Job) error {
		panic("boom")
	}, &Job{ID: "x"})
	if err == nil {
		t.Fatal("expected panic converted to error")
	}
}

func TestSafeHandlePassesThroughError(t *testing.T) {
	want := errors.New("infra down")
	err := safeHandle(context.Background(), func(ctx context.Context, job *Job) error {
		return want
	}, &Job{ID: "x"})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestApplyFailureRetriesUntilExhaustion(t *testing.T) {
	job := &Job{ID: "j", MaxAttempts: 3}
	now := time.Now().UTC()
	cause := errors.New("handler error")

	delay, terminal := applyFailure(job, 5*time.Second, now, cause)
	if terminal || job.State != StateDelayed || delay != 5*time.Second {
		t.Fatalf("first failure should delay by base: %+v terminal=%v delay=%s", job, terminal, delay)
	}
	if !job.ReadyAt.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("ready_at not set from backoff: %s", job.ReadyAt)
	}

	delay, terminal = applyFailure(job, 5*time.Second, now, cause)
	if terminal || delay != 10*time.Second {
		t.Fatalf("second failure should double the delay, got %s terminal=%v", delay, terminal)
	}

	_, terminal = applyFailure(job, 5*time.Second, now, cause)
	if !terminal || job.State != StateFailed {
		t.Fatalf("third failure must be terminal with max attempts 3: %+v", job)
	}
	if job.Attempts != 3 {
		t.Fatalf("attempts must equal the configured max, got %d", job.Attempts)
	}
	if job.LastError != "handler error" {
		t.Fatalf("last error not recorded: %q", job.LastError)
	}
}

func TestCleanRejectsNonTerminalStates(t *testing.T) {
	q := New(nil, Options{})
	if _, err := q.Clean(context.Background(), time.Hour, StateWaiting); err == nil {
		t.Fatal("cleaning the waiting state must be rejected")
	}
	if _, err := q.Clean(context.Background(), time.Hour, StateActive); err == nil {
		t.Fatal("cleaning the active state must be rejected")
	}
}

func TestEnqueueDeliversFIFO(t *testing.T) {
	q, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	q.Register(KindProcessSingle, func(_ context.Context, job *Job) error {
		var p notePayload
		if err := job.Unmarshal(&p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.Note)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	var ids []string
	for _, note := range []string{"first", "second", "third"} {
		id, err := q.Enqueue(ctx, KindProcessSingle, notePayload{Note: note}, EnqueueOptions{})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	go q.Run(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("job not delivered")
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("jobs delivered out of order: %v", got)
	}

	for _, id := range ids {
		id := id
		waitFor(t, func() bool {
			job, err := q.GetJob(ctx, id)
			return err == nil && job.State == StateCompleted
		}, "job not acked as completed")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 0 || stats.Active != 0 || stats.Completed != 3 {
		t.Fatalf("unexpected stats after drain: %+v", stats)
	}
}

func TestDelayedJobPromotedWhenReady(t *testing.T) {
	q, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindCleanup, notePayload{Note: "later"}, EnqueueOptions{Delay: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil || job.State != StateDelayed {
		t.Fatalf("job must stay delayed until its delay elapses: %+v %v", job, err)
	}
	if n := rdb.LLen(ctx, q.waitingKey(KindCleanup)).Val(); n != 0 {
		t.Fatalf("waiting list must stay empty before the delay elapses, got %d", n)
	}

	time.Sleep(50 * time.Millisecond)
	if err := q.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	job, err = q.GetJob(ctx, id)
	if err != nil || job.State != StateWaiting {
		t.Fatalf("elapsed delay must promote the job: %+v %v", job, err)
	}
	if n := rdb.LLen(ctx, q.waitingKey(KindCleanup)).Val(); n != 1 {
		t.Fatalf("promoted job must land on its kind's waiting list, got %d", n)
	}
}

func TestFailureBacksOffThenTurnsTerminal(t *testing.T) {
	q, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindEnrich, notePayload{Note: "doomed"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	q.fail(ctx, job, errors.New("summarizer down"))

	job, _ = q.GetJob(ctx, id)
	if job.State != StateDelayed || job.Attempts != 1 || job.LastError != "summarizer down" {
		t.Fatalf("first failure must reschedule with backoff: %+v", job)
	}
	if rdb.ZScore(ctx, q.key("delayed"), id).Err() != nil {
		t.Fatal("retrying job must sit in the delayed set")
	}

	q.fail(ctx, job, errors.New("summarizer down"))

	job, _ = q.GetJob(ctx, id)
	if job.State != StateFailed || job.Attempts != 2 {
		t.Fatalf("exhausting attempts must be terminal: %+v", job)
	}
	if rdb.ZScore(ctx, q.key("failed"), id).Err() != nil {
		t.Fatal("terminal job must sit in the failed set")
	}
	if rdb.ZScore(ctx, q.key("delayed"), id).Err() == nil {
		t.Fatal("terminal job must leave the delayed set")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 1 || stats.Delayed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCleanRemovesAgedTerminalJobs(t *testing.T) {
	q, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindEnrich, notePayload{Note: "x"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.GetJob(ctx, id)
	q.fail(ctx, job, errors.New("boom"))
	job, _ = q.GetJob(ctx, id)
	q.fail(ctx, job, errors.New("boom"))

	removed, err := q.Clean(ctx, 0, StateFailed)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 job cleaned, got %d", removed)
	}
	if _, err := q.GetJob(ctx, id); err == nil {
		t.Fatal("cleaned job record must be deleted")
	}
}

func TestForeignKindLeftForOwningService(t *testing.T) {
	// Two services share the broker but register disjoint kinds. The one
	// without a batch handler must never pop batch jobs, let alone burn
	// their attempts.
	q1, rdb := newTestBroker(t)
	q1.Register(KindEnrich, func(context.Context, *Job) error { return nil })

	ctx := context.Background()
	id, err := q1.Enqueue(ctx, KindProcessBatch, notePayload{Note: "batch"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx1, cancel1 := context.WithCancel(ctx)
	go q1.Run(ctx1)
	time.Sleep(300 * time.Millisecond)
	cancel1()

	job, err := q1.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateWaiting || job.Attempts != 0 {
		t.Fatalf("foreign-kind job must stay untouched: %+v", job)
	}

	// The service that registered the kind picks it up.
	q2 := New(rdb, Options{Prefix: testPrefix, MaxAttempts: 2, Workers: 1, LeaseTime: time.Minute})
	done := make(chan struct{}, 1)
	q2.Register(KindProcessBatch, func(context.Context, *Job) error {
		done <- struct{}{}
		return nil
	})
	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	go q2.Run(ctx2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("owning service never received the job")
	}
	waitFor(t, func() bool {
		job, err := q2.GetJob(ctx, id)
		return err == nil && job.State == StateCompleted && job.Attempts == 0
	}, "job not completed by its owning service")
}

func TestStalledJobRequeuedAfterLeaseExpiry(t *testing.T) {
	// A worker that claimed a job and died leaves it on the processing list
	// with an expired lease; the reaper must put it back without spending an
	// attempt, and a healthy worker must then complete it.
	q, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindEnrich, notePayload{Note: "orphan"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	moved, err := rdb.LMove(ctx, q.waitingKey(KindEnrich), q.processingKey(), "LEFT", "RIGHT").Result()
	if err != nil || moved != id {
		t.Fatalf("claim simulation failed: %v %q", err, moved)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	job.State = StateActive
	job.LeaseUntil = time.Now().UTC().Add(-time.Second)
	raw, _ := json.Marshal(job)
	if err := rdb.Set(ctx, q.key("job", id), raw, 0).Err(); err != nil {
		t.Fatalf("seeding dead-worker state: %v", err)
	}

	if err := q.reapStalled(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	job, err = q.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateWaiting || job.Attempts != 0 {
		t.Fatalf("stalled job must be requeued with attempts intact: %+v", job)
	}
	if n := rdb.LLen(ctx, q.processingKey()).Val(); n != 0 {
		t.Fatalf("processing list must be empty after the reap, got %d", n)
	}
	if n := rdb.LLen(ctx, q.waitingKey(KindEnrich)).Val(); n != 1 {
		t.Fatalf("job must be back on its waiting list, got %d", n)
	}

	done := make(chan struct{}, 1)
	q.Register(KindEnrich, func(context.Context, *Job) error {
		done <- struct{}{}
		return nil
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.Run(runCtx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requeued job was never redelivered")
	}
}

func TestReaperLeavesLiveLeaseAlone(t *testing.T) {
	q, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindEnrich, notePayload{Note: "in-flight"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := rdb.LMove(ctx, q.waitingKey(KindEnrich), q.processingKey(), "LEFT", "RIGHT").Result(); err != nil {
		t.Fatalf("claim simulation failed: %v", err)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	job.State = StateActive
	job.LeaseUntil = time.Now().UTC().Add(time.Minute)
	raw, _ := json.Marshal(job)
	if err := rdb.Set(ctx, q.key("job", id), raw, 0).Err(); err != nil {
		t.Fatalf("seeding in-flight state: %v", err)
	}

	if err := q.reapStalled(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n := rdb.LLen(ctx, q.processingKey()).Val(); n != 1 {
		t.Fatalf("job under a live lease must stay on the processing list, got %d", n)
	}
	job, _ = q.GetJob(ctx, id)
	if job.State != StateActive {
		t.Fatalf("job under a live lease must stay active: %+v", job)
	}
}
