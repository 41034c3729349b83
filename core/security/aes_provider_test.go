package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p, err := NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)

	ct, err := p.Encrypt("sk-super-secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-super-secret-key", ct)

	pt, err := p.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret-key", pt)
}

func TestNonceMakesCiphertextUnique(t *testing.T) {
	p, err := NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	a, err := p.Encrypt("same input")
	require.NoError(t, err)
	b, err := p.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestInvalidKeyLengthRejected(t *testing.T) {
	_, err := NewAESSecretProvider("short")
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)
	b, err := NewAESSecretProvider("fedcba9876543210")
	require.NoError(t, err)

	ct, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	assert.Error(t, err)
}

func TestDecryptGarbageFails(t *testing.T) {
	p, err := NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)

	_, err = p.Decrypt("not base64 at all!!!")
	assert.Error(t, err)
	_, err = p.Decrypt("YWJj") // 合法 base64 但比 nonce 还短
	assert.Error(t, err)
}
