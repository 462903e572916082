package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/registry-jobs/internal/backoff"
)

// Job is a claimed background_jobs row ready for execution.
type Job struct {
	ID        int64
	JobType   string
	Data      json.RawMessage
	Retries   int32
	LastRetry time.Time
	CreatedAt time.Time
}

// JobInfo is a background_jobs row as reported to operators.
type JobInfo struct {
	Job
	// NextAttemptAt is when the row becomes claimable again per the retry
	// policy. Equal to CreatedAt for rows that never failed.
	NextAttemptAt time.Time
	// Dead reports whether retries crossed the dead-letter threshold.
	Dead bool
}

// JobStore holds the queue policy: the retry curve that gates reclaiming and
// the retry count at which a job counts as dead-lettered.
type JobStore struct {
	backoff   backoff.Exponential
	threshold int32
}

// NewJobStore creates a JobStore. The threshold is clamped to [1,
// math.MaxInt32]: a job that never failed can never be counted as dead, and
// the value must fit the INT retries column.
func NewJobStore(policy backoff.Exponential, deadLetterThreshold int) *JobStore {
	return &JobStore{
		backoff:   policy,
		threshold: int32(min(max(deadLetterThreshold, 1), math.MaxInt32)), //nolint:gosec // clamped to int32 range
	}
}

// Backoff returns the retry curve.
func (s *JobStore) Backoff() backoff.Exponential { return s.backoff }

// DeadLetterThreshold returns the retry count at which a job is dead.
func (s *JobStore) DeadLetterThreshold() int { return int(s.threshold) }

const jobColumns = "id, job_type, data, retries, last_retry, created_at"

var claimNextSQL = `SELECT ` + jobColumns + `
	FROM background_jobs
	WHERE ` + backoff.EligibleClause("$1", "$2") + `
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

// ClaimNext locks the oldest eligible row not locked by another transaction,
// skipping locked rows rather than waiting on them. q must be an open
// transaction: the lock lives until it commits or rolls back. Returns
// (nil, nil) when no row is available.
func (s *JobStore) ClaimNext(ctx context.Context, q Querier) (*Job, error) {
	initial, maxSecs := s.backoff.SQLArgs()
	var j Job
	err := q.QueryRow(ctx, claimNextSQL, initial, maxSecs).Scan(
		&j.ID, &j.JobType, &j.Data, &j.Retries, &j.LastRetry, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &j, nil
}

// DeleteJob removes a job row. Called in the claim transaction after the
// handler succeeds so release-and-delete is atomic to other claimers.
func (s *JobStore) DeleteJob(ctx context.Context, q Querier, id int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM background_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt: retries+1 and last_retry=now(). The
// row is kept so it is reclaimed once its backoff window elapses.
func (s *JobStore) MarkFailed(ctx context.Context, q Querier, id int64) error {
	if _, err := q.Exec(ctx,
		`UPDATE background_jobs SET retries = retries + 1, last_retry = now() WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

// CountFailed returns the number of jobs whose retry counter reached the
// dead-letter threshold. Used by health checks, never by the claim path.
func (s *JobStore) CountFailed(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx,
		`SELECT count(*) FROM background_jobs WHERE retries >= $1`, s.threshold,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return n, nil
}

// EnqueueJob inserts a new job row and returns its ID. Application code owns
// enqueueing; pass its transaction as q so the job is only visible if the
// surrounding change commits.
func EnqueueJob(ctx context.Context, q Querier, jobType string, data json.RawMessage) (int64, error) {
	if jobType == "" {
		return 0, errors.New("enqueue job: empty job type")
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	// Bound as text: under the simple protocol pgx renders []byte as a bytea
	// literal, which jsonb rejects.
	var id int64
	if err := q.QueryRow(ctx,
		`INSERT INTO background_jobs (job_type, data) VALUES ($1, $2::jsonb) RETURNING id`,
		jobType, string(data),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return id, nil
}

// ── operator helpers ─────────────────────────────────────────────────────────

// ListFilter narrows ListJobs. Zero values disable the corresponding filter.
type ListFilter struct {
	JobType    string
	MinRetries int32
	// DeadOnly restricts the listing to dead-lettered jobs; it overrides
	// MinRetries when the threshold is higher.
	DeadOnly bool
	AfterID  int64
	Limit    uint64
}

const defaultListLimit = 100

// ListJobs returns jobs ordered by id using keyset pagination on AfterID.
func (s *JobStore) ListJobs(ctx context.Context, q Querier, f ListFilter) ([]JobInfo, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(jobColumns).From("background_jobs").OrderBy("id")

	if f.JobType != "" {
		sb = sb.Where(sq.Eq{"job_type": f.JobType})
	}
	minRetries := f.MinRetries
	if f.DeadOnly && minRetries < s.threshold {
		minRetries = s.threshold
	}
	if minRetries > 0 {
		sb = sb.Where(sq.GtOrEq{"retries": minRetries})
	}
	if f.AfterID > 0 {
		sb = sb.Where(sq.Gt{"id": f.AfterID})
	}
	limit := f.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	sb = sb.Limit(limit)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobInfo
	for rows.Next() {
		var info JobInfo
		if err := rows.Scan(
			&info.ID, &info.JobType, &info.Data, &info.Retries, &info.LastRetry, &info.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		info.NextAttemptAt = s.backoff.NextAttempt(info.LastRetry, int(info.Retries))
		if info.Retries == 0 {
			info.NextAttemptAt = info.CreatedAt
		}
		info.Dead = info.Retries >= s.threshold
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return out, nil
}

// ResetJob clears a job's retry history so it is claimable immediately.
// Returns false if no such job exists. Rows currently locked by a worker are
// waited on, so a reset never races a running attempt.
func (s *JobStore) ResetJob(ctx context.Context, q Querier, id int64) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE background_jobs SET retries = 0, last_retry = 'epoch' WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("reset job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveJob deletes a job by ID on behalf of an operator. Returns false if no
// such job exists.
func (s *JobStore) RemoveJob(ctx context.Context, q Querier, id int64) (bool, error) {
	tag, err := q.Exec(ctx, `DELETE FROM background_jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("remove job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
