package order

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_PartyHelpers(t *testing.T) {
	o := &Order{ID: "ord_1", BuyerID: "usr_b", SellerID: "usr_s"}

	assert.True(t, o.IsParty("usr_b"))
	assert.True(t, o.IsParty("usr_s"))
	assert.False(t, o.IsParty("mod_1"))
	assert.False(t, o.IsParty(""))

	assert.Equal(t, "usr_s", o.Counterparty("usr_b"))
	assert.Equal(t, "usr_b", o.Counterparty("usr_s"))
	assert.Empty(t, o.Counterparty("mod_1"))
}

func TestMemoryStore_GetJoinsEmails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutUser(ctx, &User{ID: "usr_b", Email: "b@example.com", DisplayName: "Bea"}))
	require.NoError(t, s.PutUser(ctx, &User{ID: "usr_s", Email: "s@example.com", DisplayName: "Sam"}))
	require.NoError(t, s.Create(ctx, &Order{ID: "ord_1", BuyerID: "usr_b", SellerID: "usr_s"}))

	o, err := s.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", o.BuyerEmail)
	assert.Equal(t, "s@example.com", o.SellerEmail)
	assert.False(t, o.CreatedAt.IsZero())

	u, err := s.GetUser(ctx, "usr_s")
	require.NoError(t, err)
	assert.Equal(t, "Sam", u.DisplayName)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_CreateValidates(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Create(context.Background(), &Order{ID: "ord_1", BuyerID: "b"}))
	assert.Error(t, s.PutUser(context.Background(), &User{}))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &Order{ID: "ord_1", BuyerID: "b", SellerID: "s"}))

	o, _ := s.Get(ctx, "ord_1")
	o.BuyerID = "mallory"

	again, _ := s.Get(ctx, "ord_1")
	assert.Equal(t, "b", again.BuyerID)
}
