package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-test-secret-test-secret"

func TestParseRole(t *testing.T) {
	r, err := ParseRole("moderator")
	require.NoError(t, err)
	assert.Equal(t, RoleModerator, r)

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestActor_Capabilities(t *testing.T) {
	assert.True(t, (&Actor{ID: "a", Role: RoleAdmin}).IsAdmin())
	assert.True(t, (&Actor{ID: "a", Role: RoleAdmin}).IsModerator())
	assert.True(t, (&Actor{ID: "m", Role: RoleModerator}).IsModerator())
	assert.False(t, (&Actor{ID: "m", Role: RoleModerator}).IsAdmin())
	assert.False(t, (&Actor{ID: "u", Role: RoleUser}).IsModerator())

	var none *Actor
	assert.False(t, none.IsAdmin())
	assert.False(t, none.IsModerator())
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss := NewIssuer(testSecret, "escrowchat")

	token, err := iss.Issue(Actor{ID: "usr_buyer", Role: RoleUser}, time.Hour)
	require.NoError(t, err)

	actor, err := iss.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "usr_buyer", actor.ID)
	assert.Equal(t, RoleUser, actor.Role)
}

func TestIssue_Rejects(t *testing.T) {
	iss := NewIssuer(testSecret, "escrowchat")

	_, err := iss.Issue(Actor{Role: RoleUser}, time.Hour)
	assert.Error(t, err)

	_, err = iss.Issue(Actor{ID: "x", Role: "ROOT"}, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestVerify_Failures(t *testing.T) {
	iss := NewIssuer(testSecret, "escrowchat")
	good, err := iss.Issue(Actor{ID: "usr_1", Role: RoleUser}, time.Hour)
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := iss.Verify("  ")
		assert.ErrorIs(t, err, ErrNoToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewIssuer("another-secret-another-secret-xx", "escrowchat")
		_, err := other.Verify(good)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewIssuer(testSecret, "someone-else")
		_, err := other.Verify(good)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := NewIssuer(testSecret, "escrowchat")
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		stale, err := past.Issue(Actor{ID: "usr_1", Role: RoleUser}, time.Hour)
		require.NoError(t, err)
		_, err = iss.Verify(stale)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unknown role claim", func(t *testing.T) {
		claims := Claims{
			Role: "ROOT",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "usr_1",
				Issuer:    "escrowchat",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = iss.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := Claims{
			Role:             RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", Issuer: "escrowchat"},
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = iss.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
