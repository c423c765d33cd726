package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

const emailColumns = `id, execution_id, step_id, step_attempt, recipient, subject, template, data, body,
	status, error, attempts, created_at, sent_at`

// EnqueueEmail inserts email unless one already exists for the same
// (execution, step, attempt). The returned flag reports whether it was created.
func (s *sqlStore) EnqueueEmail(ctx context.Context, email *schema.Email) (*schema.Email, bool, error) {
	if email.Status == "" {
		email.Status = schema.EmailQueued
	}
	if email.CreatedAt.IsZero() {
		email.CreatedAt = s.now()
	}
	data, err := marshalText(email.Data)
	if err != nil {
		return nil, false, fmt.Errorf("marshal email data: %w", err)
	}
	res, err := s.exec(ctx, s.db,
		`INSERT INTO emails (`+emailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		email.ID, nullStr(email.ExecutionID), nullStr(email.StepID), email.StepAttempt, email.To, email.Subject,
		nullStr(email.Template), data, nullStr(email.Body), string(email.Status), nullStr(email.Error),
		email.Attempts, fmtTime(email.CreatedAt), nullTime(email.SentAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert email: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return email, true, nil
	}
	existing, err := scanEmail(s.queryRow(ctx, s.db,
		`SELECT `+emailColumns+` FROM emails WHERE execution_id = ? AND step_id = ? AND step_attempt = ?`,
		email.ExecutionID, email.StepID, email.StepAttempt))
	if err == sql.ErrNoRows {
		return nil, false, storeConflict("email %s already exists", email.ID)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *sqlStore) GetEmail(ctx context.Context, id string) (*schema.Email, error) {
	e, err := scanEmail(s.queryRow(ctx, s.db, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("email", id)
	}
	return e, err
}

// UpdateEmail persists delivery state: status, error, attempts, body and sent_at.
func (s *sqlStore) UpdateEmail(ctx context.Context, email *schema.Email) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE emails SET status = ?, error = ?, attempts = ?, body = ?, sent_at = ? WHERE id = ?`,
		string(email.Status), nullStr(email.Error), email.Attempts, nullStr(email.Body), nullTime(email.SentAt), email.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "email", email.ID)
}

func scanEmail(row rowScanner) (*schema.Email, error) {
	e := &schema.Email{}
	var (
		execID, stepID, tmpl, data, body, errMsg sql.NullString
		attempt                                  sql.NullInt64
		status                                   string
		created, sent                            sqlTime
	)
	if err := row.Scan(&e.ID, &execID, &stepID, &attempt, &e.To, &e.Subject, &tmpl, &data, &body,
		&status, &errMsg, &e.Attempts, &created, &sent); err != nil {
		return nil, err
	}
	e.ExecutionID = execID.String
	e.StepID = stepID.String
	e.StepAttempt = int(attempt.Int64)
	e.Template = tmpl.String
	e.Body = body.String
	e.Status = schema.EmailStatus(status)
	e.Error = errMsg.String
	e.CreatedAt = created.Time
	e.SentAt = sent.ptr()
	if raw := rawOrNil(data); raw != nil {
		if err := json.Unmarshal(raw, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal email data: %w", err)
		}
	}
	return e, nil
}
