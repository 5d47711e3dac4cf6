package pagecipher

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) PageKey {
	t.Helper()

	var k PageKey
	_, err := rand.Read(k[:])
	require.NoError(t, err)

	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randKey(t)
	plaintext := bytes.Repeat([]byte("A"), 4096)

	ciphertext, err := Encrypt(key, 7, 0, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(key, 7, 0, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryptUnalignedOffset(t *testing.T) {
	key := randKey(t)
	plaintext := bytes.Repeat([]byte("B"), 100)

	for _, off := range []int{0, 1, 63, 64, 65, 4000} {
		ciphertext, err := Encrypt(key, 3, off, plaintext)
		require.NoError(t, err)

		decrypted, err := Decrypt(key, 3, off, ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, decrypted, "offset %d", off)
	}
}

func TestEncryptRejectsPageCrossing(t *testing.T) {
	key := randKey(t)

	_, err := Encrypt(key, 0, 4090, make([]byte, 10))
	require.Error(t, err)
}

func TestDifferentPageIDsDiverge(t *testing.T) {
	key := randKey(t)
	plaintext := bytes.Repeat([]byte("C"), 64)

	c1, err := Encrypt(key, 1, 0, plaintext)
	require.NoError(t, err)

	c2, err := Encrypt(key, 2, 0, plaintext)
	require.NoError(t, err)

	require.NotEqual(t, c1, c2)
}

func TestWipe(t *testing.T) {
	key := randKey(t)
	Wipe(&key)

	var zero PageKey
	require.Equal(t, zero, key)
}
