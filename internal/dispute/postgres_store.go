package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. The partial unique index
// idx_disputes_one_active enforces one active dispute per order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, status, reason, description, opened_by,
		       assigned_mod_id, resolution, created_at, updated_at, resolved_at, version`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.OrderID, string(d.Status), string(d.Reason), d.Description, d.OpenedBy,
		nullString(d.AssignedModID), nullString(d.Resolution),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), d.Version,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrActiveDispute
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) LatestForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListForOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_mod_id = "+arg(f.AssignedTo))
	}
	if f.Unassigned {
		where = append(where, "assigned_mod_id IS NULL")
	}
	if f.After != nil {
		where = append(where, "(created_at, id) > ("+arg(f.After.CreatedAt)+", "+arg(f.After.ID)+")")
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, d *Dispute, expectedFrom Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, assigned_mod_id = $2, resolution = $3,
			updated_at = $4, resolved_at = $5, version = version + 1
		WHERE id = $6 AND status = $7 AND version = $8`,
		string(d.Status), nullString(d.AssignedModID), nullString(d.Resolution),
		d.UpdatedAt, nullTime(d.ResolvedAt),
		d.ID, string(expectedFrom), d.Version,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return fmt.Errorf("dispute %s changed concurrently: %w", d.ID, ErrInvalidTransition)
	}
	d.Version++
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status, reason string
		assignedModID  sql.NullString
		resolution     sql.NullString
		resolvedAt     sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &status, &reason, &d.Description, &d.OpenedBy,
		&assignedModID, &resolution, &d.CreatedAt, &d.UpdatedAt, &resolvedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Reason = Reason(reason)
	d.AssignedModID = assignedModID.String
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
