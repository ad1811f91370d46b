package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads orders from PostgreSQL, resolving the seller
// through the order's listing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	err := p.db.QueryRowContext(ctx, `
		SELECT o.id, o.listing_id, o.buyer_id, l.seller_id,
		       COALESCE(b.email, ''), COALESCE(s.email, ''), o.created_at
		FROM orders o
		JOIN listings l ON l.id = o.listing_id
		LEFT JOIN users b ON b.id = o.buyer_id
		LEFT JOIN users s ON s.id = l.seller_id
		WHERE o.id = $1`, id,
	).Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.BuyerEmail, &o.SellerEmail, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, display_name FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Create inserts the order together with its listing. Buyer and seller
// rows are created empty when missing so foreign keys hold.
func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	if o.ID == "" || o.BuyerID == "" || o.SellerID == "" {
		return errors.New("order: id, buyer and seller are required")
	}
	listingID := o.ListingID
	if listingID == "" {
		listingID = "lst_" + o.ID
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range []string{o.BuyerID, o.SellerID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, uid); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, listingID, o.SellerID); err != nil {
		return fmt.Errorf("ensure listing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, listing_id, buyer_id, created_at) VALUES ($1, $2, $3, $4)`,
		o.ID, listingID, o.BuyerID, createdAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) PutUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name`,
		u.ID, u.Email, u.DisplayName)
	return err
}

var _ Store = (*PostgresStore)(nil)
