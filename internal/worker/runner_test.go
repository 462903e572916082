package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/registry-jobs/internal/backoff"
	"github.com/scarson/registry-jobs/internal/job"
	"github.com/scarson/registry-jobs/internal/metrics"
	"github.com/scarson/registry-jobs/internal/store"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

// fakeRow answers the claim query. A nil job means "no rows".
type fakeRow struct {
	job *store.Job
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.job == nil {
		return pgx.ErrNoRows
	}
	*dest[0].(*int64) = r.job.ID
	*dest[1].(*string) = r.job.JobType
	*dest[2].(*json.RawMessage) = r.job.Data
	*dest[3].(*int32) = r.job.Retries
	*dest[4].(*time.Time) = r.job.LastRetry
	*dest[5].(*time.Time) = r.job.CreatedAt
	return nil
}

// fakeTx embeds pgx.Tx so only the methods the runner uses need bodies.
type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (tx *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return tx.db.claim()
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.execs = append(tx.db.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.commits++
	return tx.db.commitErr
}

func (tx *fakeTx) Rollback(context.Context) error { return nil }

type fakeConn struct {
	store.Conn
	db *fakeDB
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{db: c.db}, nil }
func (c *fakeConn) Release()                              {}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: errors.New("unexpected query")}
}

// fakeDB is a store.Pool whose claims pop from a slice of jobs.
type fakeDB struct {
	mu         sync.Mutex
	jobs       []*store.Job
	claimErr   error
	acquireErr error
	// acquireGate, when set, blocks every Acquire until it is closed.
	acquireGate chan struct{}
	commitErr   error
	execs       []string
	commits     int
}

func (db *fakeDB) Acquire(ctx context.Context) (store.Conn, error) {
	if db.acquireGate != nil {
		<-db.acquireGate
	}
	if db.acquireErr != nil {
		return nil, db.acquireErr
	}
	return &fakeConn{db: db}, nil
}

func (db *fakeDB) claim() pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.claimErr != nil {
		return fakeRow{err: db.claimErr}
	}
	if len(db.jobs) == 0 {
		return fakeRow{}
	}
	j := db.jobs[0]
	db.jobs = db.jobs[1:]
	return fakeRow{job: j}
}

func (db *fakeDB) executed() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.execs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeRunner(t *testing.T, db *fakeDB, reg *job.Registry, opts ...Option) *Runner {
	t.Helper()
	if reg == nil {
		reg = job.NewRegistry()
	}
	opts = append([]Option{
		WithThreads(2),
		WithJobStartTimeout(5 * time.Second),
		WithLogger(quietLogger()),
	}, opts...)
	r := New(db, store.NewJobStore(backoff.Default(), 1), reg, nil, opts...)
	t.Cleanup(r.Close)
	return r
}

func discard(Event) {}

// ── polling loop ──────────────────────────────────────────────────────────────

func TestRunAllPendingJobs_EmptyQueueReturnsNil(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)
	r := newFakeRunner(t, &fakeDB{}, nil, WithMetrics(m))

	require.NoError(t, r.RunAllPendingJobs(context.Background()))
	require.NoError(t, r.WaitForJobs())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.PollRuns.WithLabelValues("ok")))
}

func TestRunAllPendingJobs_AcquireFailureIsNoDatabaseConnection(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	r := newFakeRunner(t, &fakeDB{acquireErr: cause}, nil)

	err := r.RunAllPendingJobs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDatabaseConnection)
	assert.ErrorIs(t, err, cause)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, NoDatabaseConnection, fe.Kind)
}

func TestRunAllPendingJobs_ClaimErrorIsFailedLoadingJob(t *testing.T) {
	t.Parallel()
	r := newFakeRunner(t, &fakeDB{claimErr: errors.New("relation does not exist")}, nil)

	err := r.RunAllPendingJobs(context.Background())
	assert.ErrorIs(t, err, ErrFailedLoadingJob)
	assert.NotErrorIs(t, err, ErrNoDatabaseConnection)
	assert.Contains(t, err.Error(), "relation does not exist")
}

func TestRunAllPendingJobs_StuckWorkerIsNoMessageReceived(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	r := newFakeRunner(t, &fakeDB{acquireGate: gate}, nil, WithJobStartTimeout(50*time.Millisecond))

	start := time.Now()
	err := r.RunAllPendingJobs(context.Background())
	assert.ErrorIs(t, err, ErrNoMessageReceived)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, err.Error(), "50ms")

	// Unblock the abandoned attempts; their late events must not block.
	close(gate)
	require.NoError(t, r.WaitForJobs())
}

func TestRunAllPendingJobs_ContextCancelled(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	r := newFakeRunner(t, &fakeDB{acquireGate: gate}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := r.RunAllPendingJobs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	close(gate)
	require.NoError(t, r.WaitForJobs())
}

func TestRunAllPendingJobs_IssuesOneAttemptWhenPoolSaturated(t *testing.T) {
	t.Parallel()
	r := newFakeRunner(t, &fakeDB{}, nil, WithThreads(1))

	// Occupy the only worker so zero are available when the run starts.
	release := make(chan struct{})
	started := make(chan struct{})
	r.threads.Execute(func() {
		close(started)
		<-release
	})
	<-started
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	require.NoError(t, r.RunAllPendingJobs(context.Background()))
	require.NoError(t, r.WaitForJobs())
}

func TestRunAllPendingJobs_RunsEveryJob(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	for i := range 6 {
		db.jobs = append(db.jobs, &store.Job{ID: int64(i + 1), JobType: "count", Data: json.RawMessage(`{}`)})
	}
	reg := job.NewRegistry()
	job.Register(reg, "count", func(context.Context, *job.Environment, store.Pool, struct{}) error {
		return nil
	})
	r := newFakeRunner(t, db, reg)

	require.NoError(t, r.RunAllPendingJobs(context.Background()))
	require.NoError(t, r.WaitForJobs())

	deletes := 0
	for _, sql := range db.executed() {
		if strings.HasPrefix(sql, "DELETE") {
			deletes++
		}
	}
	assert.Equal(t, 6, deletes, "every claimed job should be deleted after success")
}

// ── per-claim execution ───────────────────────────────────────────────────────

func claimable(id int64) *fakeDB {
	return &fakeDB{jobs: []*store.Job{{ID: id, JobType: "t", Data: json.RawMessage(`null`)}}}
}

func TestGetSingleJob_SuccessDeletesAndCommits(t *testing.T) {
	t.Parallel()
	db := claimable(7)
	r := newFakeRunner(t, db, nil)

	var events []EventKind
	var mu sync.Mutex
	emit := func(ev Event) {
		mu.Lock()
		events = append(events, ev.Kind)
		mu.Unlock()
	}
	r.getSingleJob(context.Background(), emit, func(_ context.Context, j *store.Job) error {
		assert.Equal(t, int64(7), j.ID)
		return nil
	})
	require.NoError(t, r.WaitForJobs())

	assert.Equal(t, []EventKind{EventWorking}, events)
	execs := db.executed()
	require.Len(t, execs, 1)
	assert.True(t, strings.HasPrefix(execs[0], "DELETE"), execs[0])
	assert.Equal(t, 1, db.commits)
}

func TestGetSingleJob_ErrorMarksFailed(t *testing.T) {
	t.Parallel()
	db := claimable(1)
	m := metrics.New(nil)
	r := newFakeRunner(t, db, nil, WithMetrics(m))

	r.getSingleJob(context.Background(), discard, func(context.Context, *store.Job) error {
		return errors.New("nope")
	})
	require.NoError(t, r.WaitForJobs())

	execs := db.executed()
	require.Len(t, execs, 1)
	assert.True(t, strings.HasPrefix(execs[0], "UPDATE"), execs[0])
	assert.Contains(t, execs[0], "retries = retries + 1")
	assert.Equal(t, 1, db.commits)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.Failed.WithLabelValues(metrics.ReasonError)))
}

func TestGetSingleJob_PanicIsIsolatedAndMarksFailed(t *testing.T) {
	t.Parallel()
	db := claimable(1)
	m := metrics.New(nil)
	r := newFakeRunner(t, db, nil, WithMetrics(m))

	r.getSingleJob(context.Background(), discard, func(context.Context, *store.Job) error {
		panic("kaboom")
	})
	require.NoError(t, r.WaitForJobs(), "a job panic must not count as a worker panic")

	execs := db.executed()
	require.Len(t, execs, 1)
	assert.True(t, strings.HasPrefix(execs[0], "UPDATE"), execs[0])
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.Failed.WithLabelValues(metrics.ReasonPanic)))
}

func TestGetSingleJob_GoexitIsIsolatedAndMarksFailed(t *testing.T) {
	t.Parallel()
	db := claimable(1)
	m := metrics.New(nil)
	r := newFakeRunner(t, db, nil, WithMetrics(m))

	var handlerErr error
	r.getSingleJob(context.Background(), discard, func(ctx context.Context, j *store.Job) error {
		runtime.Goexit()
		return nil
	})

	waited := make(chan error, 1)
	go func() { waited <- r.WaitForJobs() }()
	select {
	case handlerErr = <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("WaitForJobs hung; execs=%v active=%d", db.executed(), r.threads.ActiveCount())
	}
	require.NoError(t, handlerErr, "a handler Goexit must not count as a worker panic")

	execs := db.executed()
	require.Len(t, execs, 1)
	assert.True(t, strings.HasPrefix(execs[0], "UPDATE"), execs[0])
	db.mu.Lock()
	assert.Equal(t, 1, db.commits)
	db.mu.Unlock()
	assert.Equal(t, 0, r.threads.ActiveCount())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.Failed.WithLabelValues(metrics.ReasonPanic)))

	// The worker is still serving: a second claim completes normally.
	db.mu.Lock()
	db.jobs = append(db.jobs, &store.Job{ID: 2, JobType: "t", Data: json.RawMessage("null")})
	db.mu.Unlock()
	r.getSingleJob(context.Background(), discard, func(context.Context, *store.Job) error { return nil })
	require.NoError(t, r.WaitForJobs())
	require.Len(t, db.executed(), 2)
}

func TestPerform_GoexitIsJobPanickedError(t *testing.T) {
	t.Parallel()
	r := newFakeRunner(t, &fakeDB{}, nil)

	err := r.perform(context.Background(), func(context.Context, *store.Job) error {
		runtime.Goexit()
		return nil
	}, &store.Job{ID: 9, JobType: "t"})
	require.ErrorIs(t, err, errJobPanicked)
	assert.Equal(t, "job panicked: handler exited without returning", err.Error())
}

func TestGetSingleJob_CommitFailureIsWorkerPanic(t *testing.T) {
	t.Parallel()
	db := claimable(1)
	db.commitErr = errors.New("connection reset")
	r := newFakeRunner(t, db, nil)

	r.getSingleJob(context.Background(), discard, func(context.Context, *store.Job) error { return nil })

	err := r.WaitForJobs()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Count)
}

func TestGetSingleJob_EmitsNoJobAvailable(t *testing.T) {
	t.Parallel()
	r := newFakeRunner(t, &fakeDB{}, nil)

	got := make(chan Event, 1)
	called := false
	r.getSingleJob(context.Background(), func(ev Event) { got <- ev }, func(context.Context, *store.Job) error {
		called = true
		return nil
	})
	require.NoError(t, r.WaitForJobs())
	assert.Equal(t, EventNoJobAvailable, (<-got).Kind)
	assert.False(t, called)
}

func TestRunSingleJob_UnknownTypeMarksFailed(t *testing.T) {
	t.Parallel()
	db := claimable(3)
	r := newFakeRunner(t, db, nil)

	r.runSingleJob(context.Background(), discard)
	require.NoError(t, r.WaitForJobs())

	execs := db.executed()
	require.Len(t, execs, 1)
	assert.True(t, strings.HasPrefix(execs[0], "UPDATE"), execs[0])
}

func TestCheckForFailedJobs_SurfacesPanics(t *testing.T) {
	t.Parallel()
	r := newFakeRunner(t, &fakeDB{}, nil)
	r.threads.Execute(func() { panic("invariant") })

	err := r.CheckForFailedJobs(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "1 worker tasks panicked", pe.Error())
}

// ── panic diagnostics ─────────────────────────────────────────────────────────

type stringer struct{}

func (stringer) String() string { return "from stringer" }

func TestPanicErrorPreferenceOrder(t *testing.T) {
	t.Parallel()

	cause := errors.New("structured")
	err := panicError(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "job panicked: structured", err.Error())

	assert.Equal(t, "job panicked: static", panicError("static").Error())
	assert.Equal(t, "job panicked: from stringer", panicError(stringer{}).Error())
	assert.Equal(t, "job panicked", panicError(42).Error())
	assert.Equal(t, "job panicked: owned 1", panicError(fmt.Sprintf("owned %d", 1)).Error())
}

// ── errors / events ───────────────────────────────────────────────────────────

func TestFetchErrorMessages(t *testing.T) {
	t.Parallel()

	err := &FetchError{Kind: NoDatabaseConnection, Err: errors.New("refused")}
	assert.Equal(t, "no database connection: refused", err.Error())

	err = &FetchError{Kind: FailedLoadingJob}
	assert.Equal(t, "failed to load job", err.Error())

	err = &FetchError{Kind: NoMessageReceived, Timeout: time.Second}
	assert.True(t, errors.Is(err, ErrNoMessageReceived))
	assert.Equal(t, "no message received from worker within 1s", err.Error())

	assert.Equal(t, "3 jobs failed", (&JobsFailedError{Count: 3}).Error())
}

func TestChannelEmitterDropsAfterDone(t *testing.T) {
	t.Parallel()
	events := make(chan Event) // unbuffered: a send would block forever
	done := make(chan struct{})
	close(done)

	finished := make(chan struct{})
	go func() {
		channelEmitter(events, done)(Event{Kind: EventWorking})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("emitter blocked after done was closed")
	}
}

func TestEventKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "working", EventWorking.String())
	assert.Equal(t, "no_job_available", EventNoJobAvailable.String())
	assert.Equal(t, "error_loading_job", EventErrorLoadingJob.String())
	assert.Equal(t, "failed_to_acquire_connection", EventFailedToAcquireConnection.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
