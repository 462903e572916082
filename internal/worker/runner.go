// Package worker runs background jobs stored in the background_jobs table.
//
// A Runner owns a fixed-size worker pool and the polling loop. Each call to
// RunAllPendingJobs issues claim attempts against the pool; every attempt
// opens a transaction, locks one row with FOR UPDATE SKIP LOCKED, reports an
// Event back to the loop and then runs the job while holding the lock. The
// database transaction is the only mutual-exclusion mechanism, so any number
// of runners in any number of processes may poll the same table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/registry-jobs/internal/job"
	"github.com/scarson/registry-jobs/internal/metrics"
	"github.com/scarson/registry-jobs/internal/store"
	"github.com/scarson/registry-jobs/internal/threadpool"
)

const (
	// DefaultThreads is the worker pool size when WithThreads is not given.
	DefaultThreads = 5

	// DefaultJobStartTimeout bounds how long the polling loop waits for the
	// next event from a worker.
	DefaultJobStartTimeout = 30 * time.Second

	tracerName = "github.com/scarson/registry-jobs/internal/worker"
)

// Runner claims and executes jobs. Create one with New and Close it when
// done.
type Runner struct {
	pool     store.Pool
	jobs     *store.JobStore
	registry *job.Registry
	env      *job.Environment

	threads         *threadpool.Pool
	threadCount     int
	jobStartTimeout time.Duration
	runnerID        string
	log             *slog.Logger
	metrics         *metrics.Jobs
	tracer          trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithThreads sets the worker pool size.
func WithThreads(n int) Option {
	return func(r *Runner) { r.threadCount = n }
}

// WithJobStartTimeout sets how long RunAllPendingJobs waits for the next
// worker event before giving up with ErrNoMessageReceived.
func WithJobStartTimeout(d time.Duration) Option {
	return func(r *Runner) { r.jobStartTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics sets the collectors the runner records into. Defaults to an
// unregistered set.
func WithMetrics(m *metrics.Jobs) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer each job execution is wrapped in. Defaults to
// the global otel provider, a no-op unless the process installs one.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// New creates a Runner. env may be nil when no registered job needs it.
func New(pool store.Pool, jobs *store.JobStore, registry *job.Registry, env *job.Environment, opts ...Option) *Runner {
	r := &Runner{
		pool:            pool,
		jobs:            jobs,
		registry:        registry,
		env:             env,
		threadCount:     DefaultThreads,
		jobStartTimeout: DefaultJobStartTimeout,
		runnerID:        uuid.New().String(),
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	r.log = r.log.With("runner_id", r.runnerID)
	r.threads = threadpool.New(r.threadCount, r.log)
	return r
}

// Close drains queued attempts and stops the worker pool. The Runner must
// not be used afterwards.
func (r *Runner) Close() {
	r.threads.Close()
}

// RunAllPendingJobs claims and starts jobs until some worker observes an
// empty queue or a fatal condition occurs.
//
// It returns once every currently visible job has at least begun running; it
// does not wait for them to finish (see WaitForJobs). Returned errors are
// *FetchError values, or ctx.Err() if ctx is cancelled first. Jobs already
// claimed keep running to completion regardless of ctx.
func (r *Runner) RunAllPendingJobs(ctx context.Context) error {
	maxThreads := r.threads.MaxCount()
	events := make(chan Event, maxThreads)
	done := make(chan struct{})
	defer close(done)
	emit := channelEmitter(events, done)

	attemptCtx := context.WithoutCancel(ctx)
	pending := 0
	for {
		busy := r.threads.ActiveCount() + r.threads.QueuedCount()
		available := max(maxThreads-busy, 0)

		toIssue := available
		if pending == 0 {
			// With nothing outstanding and no free worker we must still
			// queue one attempt, or no event would ever arrive.
			toIssue = max(available, 1)
		}
		for range toIssue {
			r.runSingleJob(attemptCtx, emit)
		}
		pending += toIssue

		ev, err := r.nextEvent(ctx, events)
		if err != nil {
			r.recordRun(err)
			return err
		}
		switch ev.Kind {
		case EventWorking:
			pending--
		case EventNoJobAvailable:
			r.recordRun(nil)
			return nil
		case EventErrorLoadingJob:
			err := &FetchError{Kind: FailedLoadingJob, Err: ev.Err}
			r.recordRun(err)
			return err
		case EventFailedToAcquireConnection:
			err := &FetchError{Kind: NoDatabaseConnection, Err: ev.Err}
			r.recordRun(err)
			return err
		}
	}
}

// nextEvent waits for one event, bounded by the job start timeout. Uses
// time.NewTimer (not time.After) so the timer is released on every path.
func (r *Runner) nextEvent(ctx context.Context, events <-chan Event) (Event, error) {
	timer := time.NewTimer(r.jobStartTimeout)
	defer timer.Stop()

	select {
	case ev := <-events:
		return ev, nil
	case <-timer.C:
		return Event{}, &FetchError{Kind: NoMessageReceived, Timeout: r.jobStartTimeout}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (r *Runner) recordRun(err error) {
	outcome := "ok"
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FailedLoadingJob:
			outcome = "failed_loading_job"
		case NoDatabaseConnection:
			outcome = "no_database_connection"
		case NoMessageReceived:
			outcome = "no_message_received"
		}
	} else if err != nil {
		outcome = "cancelled"
	}
	r.metrics.PollRuns.WithLabelValues(outcome).Inc()
}

// runSingleJob issues one claim attempt that dispatches the claimed row
// through the registry.
func (r *Runner) runSingleJob(ctx context.Context, emit emitter) {
	r.getSingleJob(ctx, emit, func(ctx context.Context, j *store.Job) error {
		return r.registry.Perform(ctx, r.env, r.pool, j.JobType, j.Data)
	})
}

// getSingleJob queues one claim attempt on the worker pool. The attempt
// emits exactly one event; fn runs only after EventWorking was emitted and
// while the row is still locked by the attempt's transaction.
//
// Failures after a successful claim (store update or commit) are not job
// failures: the attempt panics so the pool records the broken invariant.
func (r *Runner) getSingleJob(ctx context.Context, emit emitter, fn func(context.Context, *store.Job) error) {
	r.threads.Execute(func() {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			emit(Event{Kind: EventFailedToAcquireConnection, Err: err})
			return
		}
		defer conn.Release()

		tx, err := conn.Begin(ctx)
		if err != nil {
			emit(Event{Kind: EventErrorLoadingJob, Err: fmt.Errorf("begin claim tx: %w", err)})
			return
		}
		// No-op after a successful commit; releases the lock on panic.
		defer tx.Rollback(ctx) //nolint:errcheck

		j, err := r.jobs.ClaimNext(ctx, tx)
		if err != nil {
			emit(Event{Kind: EventErrorLoadingJob, Err: err})
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				r.log.Warn("rollback after claim error", "error", rbErr)
			}
			return
		}
		if j == nil {
			emit(Event{Kind: EventNoJobAvailable})
			if err := tx.Commit(ctx); err != nil {
				panic(fmt.Errorf("commit empty claim: %w", err))
			}
			return
		}

		emit(Event{Kind: EventWorking})
		r.metrics.Claimed.Inc()

		if err := r.perform(ctx, fn, j); err != nil {
			r.log.Error("job failed",
				"job_id", j.ID, "job_type", j.JobType, "retries", j.Retries, "error", err)
			if err := r.jobs.MarkFailed(ctx, tx, j.ID); err != nil {
				panic(fmt.Errorf("failed to update job: %w", err))
			}
		} else {
			if err := r.jobs.DeleteJob(ctx, tx, j.ID); err != nil {
				panic(fmt.Errorf("failed to update job: %w", err))
			}
			r.metrics.Succeeded.Inc()
		}

		if err := tx.Commit(ctx); err != nil {
			panic(fmt.Errorf("failed to update job %d: %w", j.ID, err))
		}
	})
}

// perform runs fn inside a span, converting a panic or runtime.Goexit into an
// error so one bad job never takes down its worker. fn runs on its own
// goroutine because Goexit cannot be recovered: it ends only that goroutine
// and the claim transaction is still settled here.
func (r *Runner) perform(ctx context.Context, fn func(context.Context, *store.Job) error, j *store.Job) error {
	ctx, span := r.tracer.Start(ctx, "registry_jobs.job.execute",
		trace.WithAttributes(
			attribute.Int64("registry_jobs.job.id", j.ID),
			attribute.String("registry_jobs.job.type", j.JobType),
			attribute.Int("registry_jobs.job.retries", int(j.Retries)),
			attribute.String("registry_jobs.runner_id", r.runnerID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	type outcome struct {
		err      error
		abnormal bool
	}
	done := make(chan outcome, 1)
	go func() {
		returned := false
		defer func() {
			if returned {
				return
			}
			rec := recover()
			r.metrics.Failed.WithLabelValues(metrics.ReasonPanic).Inc()
			if rec != nil {
				r.log.Error("job handler panicked",
					"job_id", j.ID,
					"job_type", j.JobType,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: panicError(rec), abnormal: true}
			} else {
				r.log.Error("job handler exited without returning",
					"job_id", j.ID,
					"job_type", j.JobType,
				)
				done <- outcome{err: errJobExited, abnormal: true}
			}
		}()
		err := fn(ctx, j)
		returned = true
		done <- outcome{err: err}
	}()

	res := <-done
	err := res.err
	if err != nil {
		if !res.abnormal {
			r.metrics.Failed.WithLabelValues(metrics.ReasonError).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// WaitForJobs blocks until every queued and running attempt has finished.
// It returns a *PanicError if any attempt terminated abnormally since the
// Runner was created.
func (r *Runner) WaitForJobs() error {
	r.threads.Join()
	if n := r.threads.PanicCount(); n > 0 {
		return &PanicError{Count: n}
	}
	return nil
}

// CheckForFailedJobs waits for all attempts, then counts dead-lettered jobs.
// It returns nil iff none exist, a *JobsFailedError with the count
// otherwise, or the error that prevented the check.
func (r *Runner) CheckForFailedJobs(ctx context.Context) error {
	if err := r.WaitForJobs(); err != nil {
		return err
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("check failed jobs: %w", err)
	}
	defer conn.Release()

	n, err := r.jobs.CountFailed(ctx, conn)
	if err != nil {
		return err
	}
	r.metrics.DeadLetters.Set(float64(n))
	if n > 0 {
		return &JobsFailedError{Count: n}
	}
	return nil
}
