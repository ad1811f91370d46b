// Package order is the read side of the marketplace's orders. Messaging
// only needs to know who bought and who sold; order lifecycle lives
// elsewhere, so Create and PutUser exist for seeding and tests.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUserNotFound  = errors.New("user not found")
)

// Order identifies the transaction a message channel is scoped to.
// The seller is reached through the listing.
type Order struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listingId,omitempty"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	BuyerEmail  string    `json:"buyerEmail,omitempty"`
	SellerEmail string    `json:"sellerEmail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// Counterparty returns the other side of the order for a party, or "".
func (o *Order) Counterparty(userID string) string {
	switch userID {
	case o.BuyerID:
		return o.SellerID
	case o.SellerID:
		return o.BuyerID
	}
	return ""
}

// User is the profile data messaging shows next to a sender.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName"`
}

// Store reads orders and user profiles.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	GetUser(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, o *Order) error
	PutUser(ctx context.Context, u *User) error
}
