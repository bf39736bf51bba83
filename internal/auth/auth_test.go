package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cambio/internal/auth"
)

func TestCredentialRoundTrip(t *testing.T) {
	hash, err := auth.HashCredential("Austria")
	require.NoError(t, err)

	assert.NoError(t, auth.VerifyCredential(hash, "Austria"))
	assert.ErrorIs(t, auth.VerifyCredential(hash, "austria"), auth.ErrBadCredential)
}

func TestSessions(t *testing.T) {
	sessions := auth.NewSessions([]int64{9000000})

	sess := sessions.Create(9000000)
	assert.True(t, sess.Admin)
	other := sessions.Create(1000001)
	assert.False(t, other.Admin)
	assert.NotEqual(t, sess.Token, other.Token)

	got, err := sessions.Lookup(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(9000000), got.AccountID)

	sessions.Revoke(sess.Token)
	_, err = sessions.Lookup(sess.Token)
	assert.ErrorIs(t, err, auth.ErrNoSession)
}
