package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name         string
	dollarParams bool
}

var (
	dialectLibSQL   = dialect{name: "libsql"}
	dialectPostgres = dialect{name: "postgres", dollarParams: true}
)

// sqlStore implements Store on database/sql. LibSQLStore and PostgresStore
// embed it and only differ in connection setup and placeholder style.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.dollarParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// DB returns the underlying *sql.DB.
func (s *sqlStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *sqlStore) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate runs all pending database migrations.
func (s *sqlStore) Migrate(ctx context.Context) error { return s.runMigrations(ctx) }

// --- Definitions ---

// SaveDefinition stores def as the next version of its id and writes the
// assigned version back into def.
func (s *sqlStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	var firstCreated sqlTime
	if err := s.queryRow(ctx, tx,
		`SELECT COALESCE(MAX(version), 0), MIN(created_at) FROM workflow_definitions WHERE id = ?`, def.ID,
	).Scan(&latest, &firstCreated); err != nil {
		return fmt.Errorf("read latest version: %w", err)
	}

	now := s.now()
	def.Version = latest + 1
	if firstCreated.Valid {
		def.CreatedAt = firstCreated.Time
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	hasSchedule, events := triggerIndex(def)
	if _, err := s.exec(ctx, tx,
		`INSERT INTO workflow_definitions (id, version, name, description, user_id, definition, has_schedule, trigger_events, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, nullStr(def.Description), nullStr(def.UserID), string(body),
		boolInt(hasSchedule), nullStr(events), fmtTime(def.CreatedAt), fmtTime(def.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storeConflict("definition %s version %d was saved concurrently", def.ID, def.Version)
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storeConflict("definition %s version %d was saved concurrently", def.ID, def.Version)
		}
		return err
	}
	return nil
}

// triggerIndex flattens triggers into columns ListDefinitions can filter on.
// Events are stored as ",a,b," so a LIKE on ",evt," matches whole names.
func triggerIndex(def *schema.WorkflowDefinition) (bool, string) {
	var scheduled bool
	var events []string
	for _, t := range def.Triggers {
		if t.Schedule != "" {
			scheduled = true
		}
		if t.Event != "" {
			events = append(events, t.Event)
		}
	}
	if len(events) == 0 {
		return scheduled, ""
	}
	return scheduled, "," + strings.Join(events, ",") + ","
}

func (s *sqlStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var body string
	err := s.queryRow(ctx, s.db,
		`SELECT definition FROM workflow_definitions WHERE id = ? AND deleted_at IS NULL ORDER BY version DESC LIMIT 1`, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

// GetDefinitionVersion returns a specific version, deleted or not, so that
// executions pinned to it keep running.
func (s *sqlStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var body string
	err := s.queryRow(ctx, s.db,
		`SELECT definition FROM workflow_definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", id, version))
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

func (s *sqlStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	q := `SELECT d.definition FROM workflow_definitions d
		WHERE d.deleted_at IS NULL
		AND d.version = (SELECT MAX(x.version) FROM workflow_definitions x WHERE x.id = d.id)`
	var args []any
	if filter.UserID != "" {
		q += ` AND d.user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.TriggerEvt != "" {
		q += ` AND d.trigger_events LIKE ?`
		args = append(args, "%,"+filter.TriggerEvt+",%")
	}
	if filter.Scheduled {
		q += ` AND d.has_schedule = 1`
	}
	q += ` ORDER BY d.updated_at DESC, d.id`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryDefinitions(ctx, q, args...)
}

func (s *sqlStore) ListDefinitionVersions(ctx context.Context, id string) ([]*schema.WorkflowDefinition, error) {
	defs, err := s.queryDefinitions(ctx,
		`SELECT definition FROM workflow_definitions WHERE id = ? AND deleted_at IS NULL ORDER BY version DESC`, id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, storeNotFound("workflow", id)
	}
	return defs, nil
}

// DeleteDefinition soft-deletes every version of id.
func (s *sqlStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE workflow_definitions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, fmtTime(s.now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *sqlStore) queryDefinitions(ctx context.Context, q string, args ...any) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func decodeDefinition(body string) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, definition_version, user_id, trigger_source, status, payload,
	current_node_ids, visited, fail_fast, error, failed_step_id, created_at, updated_at,
	started_at, completed_at, failed_at, cancelled_at`

// Commit applies one execution transition atomically.
func (s *sqlStore) Commit(ctx context.Context, c *Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	exec := c.Execution
	if exec != nil {
		if c.Create {
			err = s.insertExecution(ctx, tx, exec, now)
		} else {
			err = s.updateExecution(ctx, tx, exec, now)
		}
		if err != nil {
			return err
		}
	}

	for _, rec := range c.Records {
		if err := s.saveStepRecord(ctx, tx, rec); err != nil {
			return err
		}
	}

	// Cancel before inserting so jobs created by this commit survive.
	c.CancelledJobs = nil
	if c.CancelPendingJobs && exec != nil {
		cancelled, err := s.cancelPendingJobs(ctx, tx, exec.ID, now)
		if err != nil {
			return err
		}
		c.CancelledJobs = cancelled
	}

	for _, job := range c.Jobs {
		if err := s.insertJob(ctx, tx, job, now); err != nil {
			return err
		}
	}

	if len(c.Logs) > 0 {
		if err := s.appendLogs(ctx, tx, exec, c.Logs, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) insertExecution(ctx context.Context, tx *sql.Tx, e *schema.Execution, now time.Time) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, tx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *sqlStore) updateExecution(ctx context.Context, tx *sql.Tx, e *schema.Execution, now time.Time) error {
	e.UpdatedAt = now
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	// args[0] is the id; the rest line up with the SET list.
	res, err := s.exec(ctx, tx,
		`UPDATE executions SET workflow_id = ?, definition_version = ?, user_id = ?, trigger_source = ?, status = ?,
		 payload = ?, current_node_ids = ?, visited = ?, fail_fast = ?, error = ?, failed_step_id = ?,
		 created_at = ?, updated_at = ?, started_at = ?, completed_at = ?, failed_at = ?, cancelled_at = ?
		 WHERE id = ?`,
		append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return checkRowsAffected(res, "execution", e.ID)
}

func executionArgs(e *schema.Execution) ([]any, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := marshalText(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	current := e.CurrentNodeIDs
	if current == nil {
		current = []string{}
	}
	currentJSON, err := marshalText(current)
	if err != nil {
		return nil, err
	}
	visited := e.Visited
	if visited == nil {
		visited = []string{}
	}
	visitedJSON, err := marshalText(visited)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID, e.WorkflowID, e.DefinitionVersion, nullStr(e.UserID), nullStr(e.Trigger), string(e.Status),
		payloadJSON, currentJSON, visitedJSON, boolInt(e.FailFast), nullStr(e.Error), nullStr(e.FailedStepID),
		fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), nullTime(e.FailedAt), nullTime(e.CancelledAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		userID, trigger, errMsg, failedStep sql.NullString
		status, payload, current, visited   string
		failFast                            int
		created, updated                    sqlTime
		started, completed, failed, cancel  sqlTime
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.DefinitionVersion, &userID, &trigger, &status, &payload,
		&current, &visited, &failFast, &errMsg, &failedStep, &created, &updated,
		&started, &completed, &failed, &cancel); err != nil {
		return nil, err
	}
	e.UserID = userID.String
	e.Trigger = trigger.String
	e.Status = schema.ExecutionStatus(status)
	e.FailFast = failFast != 0
	e.Error = errMsg.String
	e.FailedStepID = failedStep.String
	e.CreatedAt = created.Time
	e.UpdatedAt = updated.Time
	e.StartedAt = started.ptr()
	e.CompletedAt = completed.ptr()
	e.FailedAt = failed.ptr()
	e.CancelledAt = cancel.ptr()
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if err := json.Unmarshal([]byte(current), &e.CurrentNodeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal current_node_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(visited), &e.Visited); err != nil {
		return nil, fmt.Errorf("unmarshal visited: %w", err)
	}
	return e, nil
}

// GetExecution returns the execution with its step history attached.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	e, err := scanExecution(s.queryRow(ctx, s.db, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	records, err := s.ListStepRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	e.History = make([]schema.StepRecord, 0, len(records))
	for _, r := range records {
		e.History = append(e.History, *r)
	}
	return e, nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		q += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Step records ---

const stepRecordColumns = `id, execution_id, step_id, action, job_id, attempt, status, result, error,
	suspended, started_at, finished_at, duration_ms`

func (s *sqlStore) saveStepRecord(ctx context.Context, tx *sql.Tx, r *schema.StepRecord) error {
	if r.ID == 0 {
		err := s.queryRow(ctx, tx,
			`INSERT INTO step_records (execution_id, step_id, action, job_id, attempt, status, result, error, suspended, started_at, finished_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			r.ExecutionID, r.StepID, string(r.Action), nullStr(r.JobID), r.Attempt, string(r.Status),
			nullRaw(r.Result), nullStr(r.Error), boolInt(r.Suspended), timeOrNow(r.StartedAt),
			nullTime(r.FinishedAt), r.DurationMs,
		).Scan(&r.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return storeConflict("step %s attempt %d is already recorded", r.StepID, r.Attempt)
			}
			return fmt.Errorf("insert step record %s#%d: %w", r.StepID, r.Attempt, err)
		}
		return nil
	}
	res, err := s.exec(ctx, tx,
		`UPDATE step_records SET job_id = ?, status = ?, result = ?, error = ?, suspended = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ?`,
		nullStr(r.JobID), string(r.Status), nullRaw(r.Result), nullStr(r.Error), boolInt(r.Suspended),
		nullTime(r.FinishedAt), r.DurationMs, r.ID)
	if err != nil {
		return fmt.Errorf("update step record %d: %w", r.ID, err)
	}
	return checkRowsAffected(res, "step record", strconv.FormatInt(r.ID, 10))
}

func scanStepRecord(row rowScanner) (*schema.StepRecord, error) {
	r := &schema.StepRecord{}
	var (
		action, status    string
		jobID, errMsg     sql.NullString
		result            sql.NullString
		suspended         int
		started, finished sqlTime
	)
	if err := row.Scan(&r.ID, &r.ExecutionID, &r.StepID, &action, &jobID, &r.Attempt, &status, &result,
		&errMsg, &suspended, &started, &finished, &r.DurationMs); err != nil {
		return nil, err
	}
	r.Action = schema.ActionKind(action)
	r.Status = schema.StepStatus(status)
	r.JobID = jobID.String
	r.Result = rawOrNil(result)
	r.Error = errMsg.String
	r.Suspended = suspended != 0
	r.StartedAt = started.Time
	r.FinishedAt = finished.ptr()
	return r, nil
}

func (s *sqlStore) GetStepRecord(ctx context.Context, executionID, stepID string, attempt int) (*schema.StepRecord, error) {
	r, err := scanStepRecord(s.queryRow(ctx, s.db,
		`SELECT `+stepRecordColumns+` FROM step_records WHERE execution_id = ? AND step_id = ? AND attempt = ?`,
		executionID, stepID, attempt))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step record", fmt.Sprintf("%s/%s#%d", executionID, stepID, attempt))
	}
	return r, err
}

func (s *sqlStore) ListStepRecords(ctx context.Context, executionID string) ([]*schema.StepRecord, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+stepRecordColumns+` FROM step_records WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.StepRecord
	for rows.Next() {
		r, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Execution logs ---

func (s *sqlStore) appendLogs(ctx context.Context, tx *sql.Tx, exec *schema.Execution, logs []*schema.ExecutionLog, now time.Time) error {
	next := map[string]int64{}
	for _, l := range logs {
		if l.ExecutionID == "" && exec != nil {
			l.ExecutionID = exec.ID
		}
		if l.WorkflowID == "" && exec != nil {
			l.WorkflowID = exec.WorkflowID
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = now
		}
		seq, ok := next[l.ExecutionID]
		if !ok {
			if err := s.queryRow(ctx, tx,
				`SELECT COALESCE(MAX(seq), 0) FROM execution_logs WHERE execution_id = ?`, l.ExecutionID,
			).Scan(&seq); err != nil {
				return fmt.Errorf("read log sequence: %w", err)
			}
		}
		seq++
		next[l.ExecutionID] = seq
		l.Seq = seq
		if _, err := s.exec(ctx, tx,
			`INSERT INTO execution_logs (execution_id, seq, workflow_id, node_id, status, message, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ExecutionID, l.Seq, l.WorkflowID, nullStr(l.NodeID), l.Status, nullStr(l.Message),
			nullRaw(l.Data), fmtTime(l.Timestamp),
		); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) ListExecutionLogs(ctx context.Context, executionID string, sinceSeq int64) ([]*schema.ExecutionLog, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT execution_id, seq, workflow_id, node_id, status, message, data, created_at
		 FROM execution_logs WHERE execution_id = ? AND seq > ? ORDER BY seq`, executionID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.ExecutionLog
	for rows.Next() {
		l := &schema.ExecutionLog{}
		var nodeID, message, data sql.NullString
		var ts sqlTime
		if err := rows.Scan(&l.ExecutionID, &l.Seq, &l.WorkflowID, &nodeID, &l.Status, &message, &data, &ts); err != nil {
			return nil, err
		}
		l.NodeID = nodeID.String
		l.Message = message.String
		l.Data = rawOrNil(data)
		l.Timestamp = ts.Time
		out = append(out, l)
	}
	return out, rows.Err()
}
