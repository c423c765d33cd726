package store

import (
	"context"
	"database/sql"

	"github.com/rendis/stepflow/pkg/schema"
)

const ticketColumns = `id, user_id, title, description, status, assigned_to, customer_email, created_at, updated_at`

func (s *sqlStore) CreateTicket(ctx context.Context, t *schema.Ticket) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = "open"
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, nullStr(t.Description), t.Status, nullStr(t.AssignedTo),
		nullStr(t.CustomerEmail), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return err
}

func (s *sqlStore) GetTicket(ctx context.Context, id string) (*schema.Ticket, error) {
	t, err := scanTicket(s.queryRow(ctx, s.db, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("ticket", id)
	}
	return t, err
}

func (s *sqlStore) UpdateTicket(ctx context.Context, t *schema.Ticket) error {
	t.UpdatedAt = s.now()
	res, err := s.exec(ctx, s.db,
		`UPDATE tickets SET title = ?, description = ?, status = ?, assigned_to = ?, customer_email = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, nullStr(t.Description), t.Status, nullStr(t.AssignedTo), nullStr(t.CustomerEmail),
		fmtTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "ticket", t.ID)
}

func (s *sqlStore) ListTickets(ctx context.Context, userID string) ([]*schema.Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTicket(row rowScanner) (*schema.Ticket, error) {
	t := &schema.Ticket{}
	var desc, assigned, customer sql.NullString
	var created, updated sqlTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &desc, &t.Status, &assigned, &customer, &created, &updated); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.AssignedTo = assigned.String
	t.CustomerEmail = customer.String
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}
