package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kek, err := GenerateKey(KeySize)
	require.NoError(t, err)
	dek, err := NewEnvelopeCipher().GenerateDataKey()
	require.NoError(t, err)
	require.Len(t, dek, KeySize)

	for _, alg := range []string{AlgorithmAES256GCM, AlgorithmXChaCha20Poly1305} {
		t.Run(alg, func(t *testing.T) {
			env, err := Seal(alg, kek, dek, []byte("acme|k1"))
			require.NoError(t, err)
			assert.Len(t, env.Tag, tagSize)
			assert.Len(t, env.Ciphertext, len(dek))
			assert.False(t, bytes.Equal(env.Ciphertext, dek))

			plain, err := Open(alg, kek, env, []byte("acme|k1"))
			require.NoError(t, err)
			assert.Equal(t, dek, plain)
		})
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	kek, _ := GenerateKey(KeySize)
	env, err := Seal(AlgorithmAES256GCM, kek, []byte("secret-material-0123456789abcdef"), []byte("aad"))
	require.NoError(t, err)

	flip := func(b []byte) []byte {
		c := append([]byte(nil), b...)
		c[0] ^= 0xff
		return c
	}

	cases := map[string]*Envelope{
		"ciphertext": {Ciphertext: flip(env.Ciphertext), Nonce: env.Nonce, Tag: env.Tag},
		"nonce":      {Ciphertext: env.Ciphertext, Nonce: flip(env.Nonce), Tag: env.Tag},
		"tag":        {Ciphertext: env.Ciphertext, Nonce: env.Nonce, Tag: flip(env.Tag)},
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(AlgorithmAES256GCM, kek, tampered, []byte("aad"))
			assert.Error(t, err)
		})
	}

	_, err = Open(AlgorithmAES256GCM, kek, env, []byte("other-aad"))
	assert.Error(t, err)

	otherKEK, _ := GenerateKey(KeySize)
	_, err = Open(AlgorithmAES256GCM, otherKEK, env, []byte("aad"))
	assert.Error(t, err)
}

func TestHexEnvelopeRoundTrip(t *testing.T) {
	kek, _ := GenerateKey(KeySize)
	env, err := Seal(AlgorithmAES256GCM, kek, []byte("payload"), nil)
	require.NoError(t, err)

	h := env.Hex()
	assert.Len(t, h.Nonce, 24)
	assert.Len(t, h.Tag, 32)

	decoded, err := DecodeHexEnvelope(h)
	require.NoError(t, err)
	plain, err := Open(AlgorithmAES256GCM, kek, decoded, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	_, err = DecodeHexEnvelope(HexEnvelope{Ciphertext: "zz"})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSealOpenErrors(t *testing.T) {
	_, err := Seal(AlgorithmAES256GCM, []byte("short"), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	kek, _ := GenerateKey(KeySize)
	_, err = Seal("rot13", kek, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = Open(AlgorithmAES256GCM, kek, nil, nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	_, err = Open(AlgorithmAES256GCM, kek, &Envelope{Nonce: []byte{1}}, nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	orig := randRead
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }
	defer func() { randRead = orig }()

	_, err = GenerateKey(KeySize)
	assert.Error(t, err)
	_, err = Seal(AlgorithmAES256GCM, kek, []byte("x"), nil)
	assert.Error(t, err)
}

func TestDeriveKeyIsDeterministicPerInfo(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, KeySize)
	a1, err := DeriveKey(secret, nil, "cache", KeySize)
	require.NoError(t, err)
	a2, _ := DeriveKey(secret, nil, "cache", KeySize)
	b, _ := DeriveKey(secret, nil, "audit", KeySize)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}
