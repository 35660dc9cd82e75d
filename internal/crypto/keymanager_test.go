package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "correct")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "incorrect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestEncryptRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)

	_, err = EncryptKey("zzzz", "pw")
	assert.Error(t, err)

	// Right hex, wrong length.
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32-byte")
}

func TestEncryptedBlobsAreSalted(t *testing.T) {
	a, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	b, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(b))
}

func TestLoadKeyRawWinsOverFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	other := strings.Repeat("ab", 32)
	got, err := LoadKey(KeyConfig{
		RawPrivateKey:    "0x" + other,
		EncryptedKeyPath: path,
		KeyPassword:      "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, other, got)

	// Without the raw key the file is used.
	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestLoadKeyRejectsNonHexRaw(t *testing.T) {
	_, err := LoadKey(KeyConfig{RawPrivateKey: "not hex"})
	assert.Error(t, err)
}

func TestL2HeadersDeterministic(t *testing.T) {
	creds := &APICreds{
		Key:        "api-key-1",
		Secret:     "c2VjcmV0LWJ5dGVzLWZvci1obWFj", // "secret-bytes-for-hmac"
		Passphrase: "phrase",
	}

	h1 := creds.L2HeadersAt("0xaddr", "POST", "/order", `{"a":1}`, 1_700_000_000)
	h2 := creds.L2HeadersAt("0xaddr", "POST", "/order", `{"a":1}`, 1_700_000_000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, "0xaddr", h1["POLY_ADDRESS"])
	assert.Equal(t, "api-key-1", h1["POLY_API_KEY"])
	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.Equal(t, "phrase", h1["POLY_PASSPHRASE"])
	assert.NotEmpty(t, h1["POLY_SIGNATURE"])

	// Any input changing changes the signature.
	h3 := creds.L2HeadersAt("0xaddr", "POST", "/order", `{"a":2}`, 1_700_000_000)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])
	h4 := creds.L2HeadersAt("0xaddr", "POST", "/order", `{"a":1}`, 1_700_000_001)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h4["POLY_SIGNATURE"])
}

func TestAPICredsStringRedacts(t *testing.T) {
	creds := &APICreds{Key: "abcdef123456", Secret: "supersecretvalue"}
	s := creds.String()
	assert.NotContains(t, s, "123456")
	assert.NotContains(t, s, "secretvalue")
	assert.Contains(t, s, "abcd****")
}
