package message

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/mbd888/escrowchat/internal/auth"
)

// PostgresStore persists messages in PostgreSQL. Content is stored in its
// wire form.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, order_id, dispute_id, sender_id, sender_role, recipient_id,
		       content, is_mod_only, is_read, created_at`

func (p *PostgresStore) Create(ctx context.Context, m *Message) error {
	role := m.SenderRole
	if role == "" {
		role = auth.RoleUser
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.OrderID, nullString(m.DisputeID), m.SenderID, string(role),
		nullString(m.RecipientID), EncodeWire(m.Content), m.IsModOnly, m.IsRead, m.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Message, error) {
	return p.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
}

func (p *PostgresStore) ListByDispute(ctx context.Context, disputeID string) ([]*Message, error) {
	return p.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC`, disputeID)
}

func (p *PostgresStore) MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE recipient_id = $1 AND id = ANY($2) AND is_read = FALSE`,
		recipientID, pq.Array(ids),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	m := &Message{}
	var (
		disputeID, recipientID sql.NullString
		role, content          string
	)
	err := rows.Scan(
		&m.ID, &m.OrderID, &disputeID, &m.SenderID, &role, &recipientID,
		&content, &m.IsModOnly, &m.IsRead, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.DisputeID = disputeID.String
	m.RecipientID = recipientID.String
	m.SenderRole = auth.Role(role)
	m.Content = DecodeWire(content)
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
