package db

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitEncryptionRejectsShortKey(t *testing.T) {
	err := InitEncryption([]byte("too-short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	require.NoError(t, InitEncryption([]byte(strings.Repeat("k", 32))))

	secret := EncryptedString("whsec_super_secret_value")
	stored, err := secret.Value()
	require.NoError(t, err)

	raw, ok := stored.(string)
	require.True(t, ok)
	assert.NotContains(t, raw, "super_secret")
	_, err = base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err)

	var fromString EncryptedString
	require.NoError(t, fromString.Scan(raw))
	assert.Equal(t, secret, fromString)

	// Some drivers hand text columns back as []byte.
	var fromBytes EncryptedString
	require.NoError(t, fromBytes.Scan([]byte(raw)))
	assert.Equal(t, secret, fromBytes)
}

func TestEncryptedStringDistinctNonces(t *testing.T) {
	require.NoError(t, InitEncryption([]byte(strings.Repeat("k", 32))))

	a, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	b, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptedStringEmptyBypassesCipher(t *testing.T) {
	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var e EncryptedString
	require.NoError(t, e.Scan(""))
	assert.Equal(t, EncryptedString(""), e)
	require.NoError(t, e.Scan(nil))
	assert.Equal(t, EncryptedString(""), e)
}

func TestEncryptedStringRejectsTampering(t *testing.T) {
	require.NoError(t, InitEncryption([]byte(strings.Repeat("k", 32))))

	stored, err := EncryptedString("whsec_value").Value()
	require.NoError(t, err)
	data, err := base64.StdEncoding.DecodeString(stored.(string))
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff

	var e EncryptedString
	assert.Error(t, e.Scan(base64.StdEncoding.EncodeToString(data)))
}
