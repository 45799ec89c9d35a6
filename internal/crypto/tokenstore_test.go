package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts, err := NewTokenStoreAt(dir)
	require.NoError(t, err)

	plaintext := []byte("refresh-token-value")
	sealed, err := ts.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := ts.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestTokenStoreStringRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts, err := NewTokenStoreAt(dir)
	require.NoError(t, err)

	sealed, err := ts.SealString("access-token")
	require.NoError(t, err)
	opened, err := ts.OpenString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-token", opened)
}

func TestTokenStoreKeyPersistence(t *testing.T) {
	dir := t.TempDir()
	ts1, err := NewTokenStoreAt(dir)
	require.NoError(t, err)

	sealed, err := ts1.Seal([]byte("persisted"))
	require.NoError(t, err)

	ts2, err := NewTokenStoreAt(dir)
	require.NoError(t, err)
	opened, err := ts2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(opened))
}

func TestTokenStoreNonceUniqueness(t *testing.T) {
	dir := t.TempDir()
	ts, err := NewTokenStoreAt(dir)
	require.NoError(t, err)

	a, err := ts.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := ts.Seal([]byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestTokenStoreOpenInvalidData(t *testing.T) {
	dir := t.TempDir()
	ts, err := NewTokenStoreAt(dir)
	require.NoError(t, err)

	_, err = ts.Open([]byte("not sealed data"))
	assert.Error(t, err)

	_, err = ts.Open(nil)
	assert.Error(t, err)
}
