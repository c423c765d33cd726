package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const jobColumns = `id, kind, execution_id, workflow_id, user_id, step_id, attempt, status, scheduled_at, data,
	lease_owner, lease_expires_at, error, created_at, updated_at, started_at, finished_at`

func (s *sqlStore) insertJob(ctx context.Context, q execer, j *schema.Job, now time.Time) error {
	if j.Status == "" {
		j.Status = schema.JobPending
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	j.UpdatedAt = now
	_, err := s.exec(ctx, q,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), nullStr(j.ExecutionID), nullStr(j.WorkflowID), nullStr(j.UserID), nullStr(j.StepID),
		j.Attempt, string(j.Status), fmtTime(j.ScheduledAt), nullRaw(j.Data),
		nullStr(j.LeaseOwner), nullTime(j.LeaseExpiresAt), nullStr(j.Error),
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt), nullTime(j.StartedAt), nullTime(j.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func scanJob(row rowScanner) (*schema.Job, error) {
	j := &schema.Job{}
	var (
		kind, status                                   string
		execID, wfID, userID, stepID, owner, errMsg    sql.NullString
		data                                           sql.NullString
		scheduled, leaseExp, created, updated, started sqlTime
		finished                                       sqlTime
	)
	if err := row.Scan(&j.ID, &kind, &execID, &wfID, &userID, &stepID, &j.Attempt, &status, &scheduled, &data,
		&owner, &leaseExp, &errMsg, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	j.Kind = schema.JobKind(kind)
	j.Status = schema.JobStatus(status)
	j.ExecutionID = execID.String
	j.WorkflowID = wfID.String
	j.UserID = userID.String
	j.StepID = stepID.String
	j.LeaseOwner = owner.String
	j.Error = errMsg.String
	j.Data = rawOrNil(data)
	j.ScheduledAt = scheduled.Time
	j.LeaseExpiresAt = leaseExp.ptr()
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	j.StartedAt = started.ptr()
	j.FinishedAt = finished.ptr()
	return j, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, q execer, query string, args ...any) ([]*schema.Job, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateJob(ctx context.Context, job *schema.Job) error {
	return s.insertJob(ctx, s.db, job, s.now())
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*schema.Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.ExecutionID != "" {
		q += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if len(filter.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY scheduled_at, created_at, id`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, s.db, q, args...)
}

// ListDueJobs returns pending jobs scheduled at or before now, oldest first.
// Ties break on attempt so first attempts go before retries.
func (s *sqlStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*schema.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, attempt, created_at, id LIMIT ?`,
		string(schema.JobPending), fmtTime(now), limit)
}

// ClaimJob moves a pending job to running under a lease. Only one caller can
// win; the others get a Conflict.
func (s *sqlStore) ClaimJob(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*schema.Job, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, lease_owner = ?, lease_expires_at = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.JobRunning), owner, fmtTime(now.Add(lease)), fmtTime(now), fmtTime(now),
		id, string(schema.JobPending))
	if err != nil {
		return nil, err
	}
	if err := s.transitionResult(ctx, res, id, "claim"); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// FinishJob closes a running job with a terminal status.
func (s *sqlStore) FinishJob(ctx context.Context, id string, status schema.JobStatus, errMsg string) (*schema.Job, error) {
	if !status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "job %s: %s is not a terminal status", id, status)
	}
	now := fmtTime(s.now())
	res, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ?, updated_at = ?, lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ? AND status = ?`,
		string(status), nullStr(errMsg), now, now, id, string(schema.JobRunning))
	if err != nil {
		return nil, err
	}
	if err := s.transitionResult(ctx, res, id, "finish"); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// CancelJob cancels a pending or running job. Cancelling a cancelled job is a no-op.
func (s *sqlStore) CancelJob(ctx context.Context, id string) (*schema.Job, error) {
	now := fmtTime(s.now())
	res, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?, lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.JobCancelled), now, now, id, string(schema.JobPending), string(schema.JobRunning))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 && job.Status != schema.JobCancelled {
		return nil, storeConflict("job %s is already %s", id, job.Status)
	}
	return job, nil
}

// transitionResult distinguishes a missing job from one in the wrong state.
func (s *sqlStore) transitionResult(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return storeConflict("cannot %s job %s in status %s", op, id, job.Status)
}

func (s *sqlStore) cancelPendingJobs(ctx context.Context, tx *sql.Tx, executionID string, now time.Time) ([]*schema.Job, error) {
	pending, err := s.queryJobs(ctx, tx,
		`SELECT `+jobColumns+` FROM jobs WHERE execution_id = ? AND status = ?`,
		executionID, string(schema.JobPending))
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ts := fmtTime(now)
	if _, err := s.exec(ctx, tx,
		`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE execution_id = ? AND status = ?`,
		string(schema.JobCancelled), ts, ts, executionID, string(schema.JobPending)); err != nil {
		return nil, fmt.Errorf("cancel pending jobs: %w", err)
	}
	for _, j := range pending {
		j.Status = schema.JobCancelled
		j.FinishedAt = &now
		j.UpdatedAt = now
	}
	return pending, nil
}

// RecoverExpiredLeases returns running jobs whose lease lapsed to pending.
func (s *sqlStore) RecoverExpiredLeases(ctx context.Context, now time.Time) ([]*schema.Job, error) {
	expired, err := s.queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(schema.JobRunning), fmtTime(now))
	if err != nil {
		return nil, err
	}
	var recovered []*schema.Job
	ts := fmtTime(now)
	for _, j := range expired {
		res, err := s.exec(ctx, s.db,
			`UPDATE jobs SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ? AND lease_expires_at < ?`,
			string(schema.JobPending), ts, j.ID, string(schema.JobRunning), ts)
		if err != nil {
			return recovered, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j.Status = schema.JobPending
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		recovered = append(recovered, j)
	}
	return recovered, nil
}

// DeleteFinishedJobs removes terminal jobs last touched before the cutoff.
func (s *sqlStore) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(schema.JobCompleted), string(schema.JobFailed), string(schema.JobCancelled), fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
