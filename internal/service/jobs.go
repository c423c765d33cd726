package service

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ListJobs returns the jobs of userID, or only pending and running ones when
// active is set.
func (s *Service) ListJobs(ctx context.Context, userID string, active bool, limit int) ([]*schema.Job, error) {
	filter := store.JobFilter{UserID: userID, Limit: limit}
	if active {
		filter.Statuses = store.ActiveJobStatuses
	}
	return s.store.ListJobs(ctx, filter)
}

// GetJob returns one job of userID.
func (s *Service) GetJob(ctx context.Context, userID, id string) (*schema.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(job.UserID, userID) {
		return nil, notFound("job", id)
	}
	return job, nil
}

// CancelJob cancels a pending or running job. A step cannot be skipped, so
// the execution the job belongs to is cancelled with it.
func (s *Service) CancelJob(ctx context.Context, userID, id string) (*schema.Job, error) {
	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() && job.Status != schema.JobCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "job %s is already %s", id, job.Status)
	}

	if s.jobs != nil {
		job, err = s.jobs.Cancel(ctx, id)
	} else {
		job, err = s.store.CancelJob(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if job.ExecutionID == "" {
		return job, nil
	}
	exec, err := s.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return job, nil
		}
		return nil, err
	}
	if exec.Status.Terminal() {
		return job, nil
	}
	if _, err := s.engine.Cancel(ctx, exec.ID, "job "+id+" cancelled"); err != nil && !schema.IsConflict(err) {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job cancelled with its execution",
		slog.String("job_id", id), slog.String("execution_id", exec.ID))
	return job, nil
}

// EmailStatus returns the delivery state of an email.
func (s *Service) EmailStatus(ctx context.Context, userID, id string) (*schema.Email, error) {
	if s.emails == nil {
		return nil, unavailable("email")
	}
	email, err := s.emails.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if email.ExecutionID != "" {
		if _, err := s.execution(ctx, userID, email.ExecutionID); err != nil {
			if schema.IsNotFound(err) {
				return nil, notFound("email", id)
			}
			return nil, err
		}
	}
	return email, nil
}
