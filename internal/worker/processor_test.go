package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline"
	pldomain "github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/worker/domain"
)

type finishCall struct {
	status    string
	result    *pldomain.Result
	lastError string
}

type releaseCall struct {
	nextAttemptAt time.Time
	lastError     string
}

type fakeStore struct {
	mu         sync.Mutex
	job        *domain.Job
	claimed    bool
	claims     int
	claimErr   error
	finishes   []finishCall
	releases   []releaseCall
	releaseErr error
	cancelFlag bool
}

func (s *fakeStore) Claim(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if s.job == nil || s.job.JobID != jobID || s.claimed {
		return nil, domain.ErrJobAlreadyClaimed
	}
	s.claimed = true
	j := *s.job
	j.Status = domain.JobStatusRunning
	j.WorkerID = workerID
	return &j, nil
}

func (s *fakeStore) Finish(_ context.Context, _ string, status string, result *pldomain.Result, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes = append(s.finishes, finishCall{status: status, result: result, lastError: lastError})
	return nil
}

func (s *fakeStore) ReleaseForRetry(_ context.Context, _ string, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return s.releaseErr
	}
	s.releases = append(s.releases, releaseCall{nextAttemptAt: nextAttemptAt, lastError: lastError})
	s.claimed = false
	return nil
}

func (s *fakeStore) CancelRequested(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelFlag, nil
}

func (s *fakeStore) Heartbeat(_ context.Context, _ string) error {
	return nil
}

type fakeFetcher struct {
	path    string
	err     error
	cleaned bool
}

func (f *fakeFetcher) Download(_ context.Context, _ string) (string, func(), error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.path, func() { f.cleaned = true }, nil
}

type fakeRunner struct {
	mu     sync.Mutex
	result *pldomain.Result
	err    error
	runs   int
}

func (r *fakeRunner) Run(_ context.Context, _ pipeline.Request) (*pldomain.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (q *fakeQueue) Publish(_ context.Context, body []byte, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bodies = append(q.bodies, body)
	return nil
}

func newTestProcessor(store *fakeStore, fetcher *fakeFetcher, runner *fakeRunner, queue *fakeQueue) (*Processor, *[]time.Duration) {
	p := NewProcessor(store, fetcher, runner, queue, ProcessorConfig{
		WorkerID: "worker-test",
		Backoff:  Backoff{Base: 2 * time.Second, Cap: time.Minute},
	}, slog.New(slog.DiscardHandler))

	// Run scheduled republishes synchronously, recording the delay.
	delays := &[]time.Duration{}
	p.after = func(d time.Duration, f func()) {
		*delays = append(*delays, d)
		f()
	}
	return p, delays
}

func resolvedResult() *pldomain.Result {
	return &pldomain.Result{
		Scores: []pldomain.AssessmentScore{
			{Item: "question_1", Value: "7", Confidence: 0.9},
			{Item: "total_score", Value: "7", Confidence: 0.9},
		},
	}
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:       "c4f7e2d0-0000-4000-8000-000000000001",
		VideoRef:    "https://storage.test/videos/sheet.mp4",
		ItemCount:   1,
		Status:      domain.JobStatusQueued,
		MaxAttempts: 3,
	}
}

func TestProcessCompletesResolvedJob(t *testing.T) {
	store := &fakeStore{job: testJob()}
	fetcher := &fakeFetcher{path: "/tmp/sheet.mp4"}
	runner := &fakeRunner{result: resolvedResult()}
	queue := &fakeQueue{}
	p, _ := newTestProcessor(store, fetcher, runner, queue)

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.NoError(t, err)

	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusCompleted, store.finishes[0].status)
	assert.Equal(t, resolvedResult(), store.finishes[0].result)
	assert.Empty(t, store.finishes[0].lastError)
	assert.True(t, fetcher.cleaned, "temp video must be removed")
	assert.Empty(t, queue.bodies)
}

func TestProcessUnresolvedItemNeedsReview(t *testing.T) {
	store := &fakeStore{job: testJob()}
	runner := &fakeRunner{result: &pldomain.Result{
		Scores: []pldomain.AssessmentScore{
			{Item: "question_1", Value: "7", Confidence: 0.9},
			{Item: "total_score", Value: pldomain.UnresolvedValue},
		},
	}}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.NoError(t, err)

	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusNeedsReview, store.finishes[0].status)
	assert.NotNil(t, store.finishes[0].result)
}

func TestProcessRetriableErrorReleasesAndRepublishes(t *testing.T) {
	store := &fakeStore{job: testJob()}
	runner := &fakeRunner{err: pldomain.NewInferenceError("detector", errors.New("session crashed"))}
	queue := &fakeQueue{}
	p, delays := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, queue)

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)

	require.Len(t, store.releases, 1)
	assert.Contains(t, store.releases[0].lastError, "session crashed")
	assert.Empty(t, store.finishes, "no terminal state on a retried attempt")

	require.Len(t, *delays, 1)
	assert.Equal(t, 2*time.Second, (*delays)[0])
	require.Len(t, queue.bodies, 1)
	assert.Contains(t, string(queue.bodies[0]), store.job.JobID)
}

func TestProcessBackoffGrowsWithAttempts(t *testing.T) {
	job := testJob()
	job.AttemptCount = 1
	store := &fakeStore{job: job}
	runner := &fakeRunner{err: pldomain.NewTransientIOError(errors.New("storage blip"))}
	p, delays := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: job.JobID})
	require.Error(t, err)

	require.Len(t, *delays, 1)
	assert.Equal(t, 4*time.Second, (*delays)[0])
}

func TestProcessAttemptsExhaustedFailsWithLastError(t *testing.T) {
	job := testJob()
	job.AttemptCount = 2 // third and final attempt
	store := &fakeStore{job: job}
	runner := &fakeRunner{err: pldomain.NewInferenceError("classifier", errors.New("third failure"))}
	queue := &fakeQueue{}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, queue)

	err := p.Process(context.Background(), &domain.JobMessage{JobID: job.JobID})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)

	assert.Empty(t, store.releases)
	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusFailed, store.finishes[0].status)
	assert.Contains(t, store.finishes[0].lastError, "third failure")
	assert.Nil(t, store.finishes[0].result)
	assert.Empty(t, queue.bodies)
}

func TestProcessNonRetriableErrorFailsImmediately(t *testing.T) {
	store := &fakeStore{job: testJob()}
	fetcher := &fakeFetcher{err: pldomain.ErrVideoNotFound}
	p, _ := newTestProcessor(store, fetcher, &fakeRunner{}, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.Error(t, err)

	assert.Empty(t, store.releases, "missing video is not retriable")
	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusFailed, store.finishes[0].status)
	assert.Contains(t, store.finishes[0].lastError, pldomain.ErrVideoNotFound.Error())
}

func TestProcessCancelledRunIsTerminal(t *testing.T) {
	store := &fakeStore{job: testJob()}
	runner := &fakeRunner{err: pldomain.ErrCancelled}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	assert.NoError(t, err, "a cancelled job consumes the message")

	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusFailed, store.finishes[0].status)
	assert.Equal(t, "cancelled", store.finishes[0].lastError)
}

func TestProcessCancelFlagSetBeforeRun(t *testing.T) {
	job := testJob()
	job.CancelRequested = true
	store := &fakeStore{job: job}
	runner := &fakeRunner{result: resolvedResult()}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: job.JobID})
	assert.NoError(t, err)

	assert.Zero(t, runner.runs, "cancelled before the pipeline started")
	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusFailed, store.finishes[0].status)
	assert.Equal(t, "cancelled", store.finishes[0].lastError)
}

func TestProcessReleaseFailureFallsBackToFailed(t *testing.T) {
	store := &fakeStore{job: testJob(), releaseErr: errors.New("db down")}
	runner := &fakeRunner{err: pldomain.NewTransientIOError(errors.New("blip"))}
	queue := &fakeQueue{}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, queue)

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.Error(t, err)

	require.Len(t, store.finishes, 1)
	assert.Equal(t, domain.JobStatusFailed, store.finishes[0].status)
	assert.Empty(t, queue.bodies)
}

func TestProcessAlreadyClaimed(t *testing.T) {
	store := &fakeStore{job: testJob(), claimed: true}
	runner := &fakeRunner{result: resolvedResult()}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Zero(t, runner.runs)
	assert.Empty(t, store.finishes)
}

func TestProcessClaimOutageRequeues(t *testing.T) {
	store := &fakeStore{job: testJob(), claimErr: errors.New("connection refused")}
	runner := &fakeRunner{result: resolvedResult()}
	queue := &fakeQueue{}
	p, delays := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, queue)

	err := p.Process(context.Background(), &domain.JobMessage{JobID: store.job.JobID})
	require.Error(t, err)

	// The row is still QUEUED and no republish was scheduled, so broker
	// redelivery must bring the message back.
	var rq *domain.RequeueError
	assert.ErrorAs(t, err, &rq)
	assert.True(t, shouldRequeueJob(err))

	assert.Zero(t, runner.runs)
	assert.Empty(t, store.finishes)
	assert.Empty(t, *delays)
	assert.Empty(t, queue.bodies)
}

func TestShouldRequeueJobOnlyForPreClaimFailures(t *testing.T) {
	assert.False(t, shouldRequeueJob(domain.ErrJobAlreadyClaimed),
		"claim conflicts and backoff-gate refusals never requeue")
	assert.False(t, shouldRequeueJob(domain.NewRetryableError(errors.New("blip"))),
		"released jobs come back through the delayed republish")
	assert.False(t, shouldRequeueJob(errors.New("job failed")))
	assert.True(t, shouldRequeueJob(domain.NewRequeueError(errors.New("db down"))))
}

func TestProcessMutualExclusion(t *testing.T) {
	store := &fakeStore{job: testJob()}
	runner := &fakeRunner{result: resolvedResult()}
	p, _ := newTestProcessor(store, &fakeFetcher{path: "/tmp/sheet.mp4"}, runner, &fakeQueue{})

	msg := &domain.JobMessage{JobID: store.job.JobID}

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Process(context.Background(), msg)
		}()
	}
	wg.Wait()
	close(results)

	var successes, claimLosses int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			claimLosses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one worker wins the claim")
	assert.Equal(t, workers-1, claimLosses)
	assert.Equal(t, 1, runner.runs)
}
