package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStore_RoundTrip(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore()

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.False(t, store.Exists())

	creds := &Credentials{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    timePtr(time.Now().Add(time.Hour).Truncate(time.Second)),
		Email:        "dev@example.com",
	}
	require.NoError(t, store.Save(creds))
	assert.True(t, store.Exists())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.Email, loaded.Email)
	assert.True(t, creds.ExpiresAt.Equal(*loaded.ExpiresAt))

	require.NoError(t, store.Delete())
	assert.False(t, store.Exists())

	// Deleting twice is fine
	assert.NoError(t, store.Delete())
}

func TestKeyringStore_SaveNil(t *testing.T) {
	keyring.MockInit()
	assert.Error(t, NewKeyringStore().Save(nil))
}

func TestMockStore_Errors(t *testing.T) {
	store := NewMockStore(nil, errTest)

	_, err := store.Load()
	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, store.Save(&Credentials{}), errTest)
	assert.ErrorIs(t, store.Delete(), errTest)
	assert.False(t, store.Exists())
}

func TestCredentials_IsExpired(t *testing.T) {
	assert.False(t, (&Credentials{}).IsExpired())
	assert.False(t, (&Credentials{ExpiresAt: timePtr(time.Now().Add(time.Minute))}).IsExpired())
	assert.True(t, (&Credentials{ExpiresAt: timePtr(time.Now().Add(-time.Minute))}).IsExpired())
}
