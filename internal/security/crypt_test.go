package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret := []byte("unit-test-secret")
	plaintext := []byte("COMPUTEHUB-AAAA-BBBB-CCCC-DDDD")

	payload, err := Seal(plaintext, secret)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, sealVersion, payload.Version)
	assert.Len(t, payload.Salt, saltSize)
	assert.NotEmpty(t, payload.Nonce)
	assert.NotEmpty(t, payload.Integrity)
	assert.NotContains(t, string(payload.Ciphertext), "COMPUTEHUB")

	opened, err := Open(payload, secret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealProducesFreshSaltAndNonce(t *testing.T) {
	secret := []byte("unit-test-secret")
	plaintext := []byte("same input")

	a, err := Seal(plaintext, secret)
	require.NoError(t, err)
	b, err := Seal(plaintext, secret)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestSealRejectsEmptyInputs(t *testing.T) {
	_, err := Seal(nil, []byte("secret"))
	assert.Error(t, err)

	_, err = Seal([]byte("data"), nil)
	assert.Error(t, err)
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	payload, err := Seal([]byte("data"), []byte("right"))
	require.NoError(t, err)

	_, err = Open(payload, []byte("wrong"))
	assert.ErrorIs(t, err, ErrSealTampered)
}

func TestOpenRejectsTampering(t *testing.T) {
	secret := []byte("unit-test-secret")

	tests := []struct {
		name   string
		mutate func(p *SealedPayload)
	}{
		{"ciphertext bit flip", func(p *SealedPayload) { p.Ciphertext[0] ^= 0x01 }},
		{"nonce bit flip", func(p *SealedPayload) { p.Nonce[0] ^= 0x01 }},
		{"salt bit flip", func(p *SealedPayload) { p.Salt[0] ^= 0x01 }},
		{"integrity truncated", func(p *SealedPayload) { p.Integrity = p.Integrity[:8] }},
		{"ciphertext truncated", func(p *SealedPayload) { p.Ciphertext = p.Ciphertext[:4] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Seal([]byte("data"), secret)
			require.NoError(t, err)
			tt.mutate(payload)

			_, err = Open(payload, secret)
			assert.ErrorIs(t, err, ErrSealTampered)
		})
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	payload, err := Seal([]byte("data"), []byte("secret"))
	require.NoError(t, err)
	payload.Version = 99

	_, err = Open(payload, []byte("secret"))
	assert.ErrorIs(t, err, ErrSealVersion)
}

func TestOpenRejectsNilPayload(t *testing.T) {
	_, err := Open(nil, []byte("secret"))
	assert.Error(t, err)
}
