package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword("hunter2", fastParams)
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := VerifyPassword("hunter2", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("hunter3", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := VerifyPassword("x", "plaintext")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = VerifyPassword("x", "$argon2id$v=1$m=1,t=1,p=1$AAAA$AAAA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestTicketRoundTrip(t *testing.T) {
	signer, err := NewTicketSigner(time.Minute)
	require.NoError(t, err)

	tok, err := signer.Issue("user-1", TicketClaims{RoomID: "3", Generation: 2, Port: 5001, Username: "alice"})
	require.NoError(t, err)

	claims, err := signer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "3", claims.RoomID)
	assert.Equal(t, uint64(2), claims.Generation)
	assert.Equal(t, 5001, claims.Port)
	assert.NotEmpty(t, signer.PublicKeyBase64())
}

func TestTicketExpiry(t *testing.T) {
	signer, err := NewTicketSigner(time.Minute)
	require.NoError(t, err)

	issued := time.Now()
	signer.now = func() time.Time { return issued }
	tok, err := signer.Issue("user-1", TicketClaims{RoomID: "1"})
	require.NoError(t, err)

	signer.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = signer.Verify(tok)
	assert.Error(t, err)
}

func TestTicketFromOtherSignerRejected(t *testing.T) {
	a, err := NewTicketSigner(0)
	require.NoError(t, err)
	b, err := NewTicketSigner(0)
	require.NoError(t, err)

	tok, err := a.Issue("user-1", TicketClaims{RoomID: "1"})
	require.NoError(t, err)
	_, err = b.Verify(tok)
	assert.Error(t, err)
}
