package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whirr-ml/whirr/errors"
	qtesting "github.com/whirr-ml/whirr/internal/testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return NewSQLiteStore(qtesting.CreateTestDB(t))
}

func enqueueSleep(t *testing.T, s *SQLiteStore) *Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), EnqueueRequest{
		CommandArgv: []string{"/bin/sleep", "60"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)
	return job
}

func TestEnqueueAssignsRunID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, EnqueueRequest{
		CommandArgv: []string{"/bin/echo", "hello"},
		Workdir:     "/tmp",
		Name:        "greet",
		Tags:        []string{"smoke", "fast"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, RunIDForJob(job.ID), job.RunID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, []string{"/bin/echo", "hello"}, job.CommandArgv)
	assert.Equal(t, []string{"smoke", "fast"}, job.Tags)
	assert.Nil(t, job.StartedAt)
}

func TestEnqueueRejectsRelativeWorkdir(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Enqueue(context.Background(), EnqueueRequest{
		CommandArgv: []string{"/bin/true"},
		Workdir:     "relative/path",
	})
	require.Error(t, err)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	s := newTestStore(t)

	job, err := s.ClaimNext(context.Background(), "host:default", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueueSleep(t, s)
	second := enqueueSleep(t, s)

	claimed, err := s.ClaimNext(ctx, "host:gpu0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, "host:gpu0", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.LeaseExpiresAt)

	claimed2, err := s.ClaimNext(ctx, "host:gpu1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)
}

// Concurrent claimants must never observe the same job.
func TestClaimNextUniqueUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 10
	const workers = 4
	for i := 0; i < jobs; i++ {
		enqueueSleep(t, s)
	}

	var mu sync.Mutex
	claimedBy := make(map[int64]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, workerID, time.Minute)
				if errors.IsStoreUnavailable(err) {
					continue
				}
				require.NoError(t, err)
				if job == nil {
					return
				}
				mu.Lock()
				prev, dup := claimedBy[job.ID]
				claimedBy[job.ID] = workerID
				mu.Unlock()
				require.False(t, dup, "job %d claimed by both %s and %s", job.ID, prev, workerID)
			}
		}(RunIDForJob(int64(w)) + "-worker")
	}
	wg.Wait()

	assert.Len(t, claimedBy, jobs)
}

func TestRenewExtendsLeaseAndReportsCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	claimed, err := s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	lease, err := s.Renew(ctx, job.ID, "host:default", time.Minute)
	require.NoError(t, err)
	assert.False(t, lease.CancelRequested)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	_, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)

	lease, err = s.Renew(ctx, job.ID, "host:default", time.Minute)
	require.NoError(t, err)
	assert.True(t, lease.CancelRequested)
}

func TestRenewNotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:gpu0", time.Minute)
	require.NoError(t, err)

	_, err = s.Renew(ctx, job.ID, "otherhost:gpu0", time.Minute)
	assert.True(t, errors.IsNotOwner(err))

	_, err = s.Renew(ctx, 9999, "host:gpu0", time.Minute)
	assert.True(t, errors.IsNotFound(err))
}

func TestCompleteTerminalInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)

	err = s.Complete(ctx, job.ID, CompleteRequest{
		WorkerID: "host:default",
		ExitCode: 0,
		Status:   StatusCompleted,
	})
	require.NoError(t, err)

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.Empty(t, final.WorkerID)
}

func TestCompleteNotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)

	err = s.Complete(ctx, job.ID, CompleteRequest{
		WorkerID: "imposter:default",
		ExitCode: 0,
		Status:   StatusCompleted,
	})
	assert.True(t, errors.IsNotOwner(err))
}

func TestCancelQueuedIsSynchronous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	status, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.ExitCode)
	assert.Nil(t, final.StartedAt)
}

func TestCancelRunningIsAsynchronousAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)

	status, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	flagged, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, flagged.CancelRequestedAt)
	firstRequest := *flagged.CancelRequestedAt

	// Second call must not move the request time.
	_, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, firstRequest, *again.CancelRequestedAt)
}

func TestCancelNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.RequestCancel(context.Background(), 42)
	assert.True(t, errors.IsNotFound(err))
}

func TestCancelAllQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueSleep(t, s)
	enqueueSleep(t, s)
	running := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)

	n, err := s.CancelAllQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The running job is untouched; claim order means the first enqueued
	// job is the one running.
	first, err := s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, first.Status)
}

func TestRetryChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, EnqueueRequest{
		CommandArgv: []string{"/bin/false"},
		Workdir:     "/tmp",
		Name:        "flaky",
		Tags:        []string{"nightly"},
	})
	require.NoError(t, err)

	_, err = s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, job.ID, CompleteRequest{
		WorkerID: "host:default", ExitCode: 1, Status: StatusFailed,
	}))

	retried, err := s.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.CommandArgv, retried.CommandArgv)
	assert.Equal(t, job.Workdir, retried.Workdir)
	assert.Equal(t, job.Name, retried.Name)
	assert.Equal(t, job.Tags, retried.Tags)
	assert.Equal(t, 2, retried.Attempt)
	require.NotNil(t, retried.ParentJobID)
	assert.Equal(t, job.ID, *retried.ParentJobID)
	assert.Equal(t, RunIDForJob(retried.ID), retried.RunID)
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.Retry(ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrNotRetryable))

	_, err = s.ClaimNext(ctx, "host:default", time.Minute)
	require.NoError(t, err)
	_, err = s.Retry(ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrNotRetryable))
}

func TestReapExpiredRequeuesAndIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Second)
	require.NoError(t, err)

	// Before expiry nothing is reaped.
	reaped, err := s.ReapExpired(ctx, time.Now(), 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	// Past the lease the job is requeued with its claim state cleared.
	reaped, err = s.ReapExpired(ctx, time.Now().Add(2*time.Second), 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []int64{job.ID}, reaped)

	requeued, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, requeued.Status)
	assert.Empty(t, requeued.WorkerID)
	assert.Nil(t, requeued.StartedAt)
	assert.Nil(t, requeued.HeartbeatAt)
	assert.Nil(t, requeued.LeaseExpiresAt)
	assert.Equal(t, 2, requeued.Attempt)

	// Idempotent: a second pass finds nothing.
	reaped, err = s.ReapExpired(ctx, time.Now().Add(2*time.Second), 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestReapByHeartbeatAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Hour)
	require.NoError(t, err)

	// Lease is current but the heartbeat is stale relative to the cutoff.
	reaped, err := s.ReapExpired(ctx, time.Now().Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{job.ID}, reaped)
}

func TestRenewRefreshesWorkerLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{
		ID:       "host:gpu0",
		Hostname: "host",
		Status:   WorkerIdle,
	}))
	enqueueSleep(t, s)
	job, err := s.ClaimNext(ctx, "host:gpu0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.NotNil(t, workers[0].LastSeenAt)
	before := *workers[0].LastSeenAt

	time.Sleep(20 * time.Millisecond)
	_, err = s.Renew(ctx, job.ID, "host:gpu0", time.Minute)
	require.NoError(t, err)

	workers, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.NotNil(t, workers[0].LastSeenAt)
	assert.True(t, workers[0].LastSeenAt.After(before),
		"last_seen_at %v did not advance past %v", workers[0].LastSeenAt, before)
}

func TestRenewAfterReapIsNotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueSleep(t, s)
	_, err := s.ClaimNext(ctx, "host:default", time.Second)
	require.NoError(t, err)

	_, err = s.ReapExpired(ctx, time.Now().Add(2*time.Second), 2*time.Minute)
	require.NoError(t, err)

	_, err = s.Renew(ctx, job.ID, "host:default", time.Minute)
	assert.True(t, errors.IsNotOwner(err))
}

func TestCountsAndWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueSleep(t, s)
	job := enqueueSleep(t, s)
	_ = job

	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{
		ID: "host:gpu0", Hostname: "host", PID: 123,
	}))
	claimed, err := s.ClaimNext(ctx, "host:gpu0", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateWorker(ctx, "host:gpu0", WorkerBusy, &claimed.ID))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)
	assert.Equal(t, 1, counts.Running)
	assert.Equal(t, 0, counts.WorkersIdle)
	assert.Equal(t, 1, counts.WorkersBusy)

	require.NoError(t, s.DeregisterWorker(ctx, "host:gpu0"))
	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, WorkerStopped, workers[0].Status)
	assert.Nil(t, workers[0].CurrentJobID)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	s := newTestStore(t)

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	job := enqueueSleep(t, s)

	select {
	case update := <-ch:
		assert.Equal(t, job.ID, update.ID)
		assert.Equal(t, StatusQueued, update.Status)
	case <-time.After(time.Second):
		t.Fatal("no subscriber notification for enqueue")
	}
}
