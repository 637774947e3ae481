package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv, err := RandomIV()
	require.NoError(t, err)

	plaintext := []byte(`{"apiKey":"k","secretKey":"s"}`)
	aad := []byte("credential-store:v1")

	ciphertext, err := SealAESGCM(key, iv, plaintext, aad)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := OpenAESGCM(key, iv, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenWrongKeyFails(t *testing.T) {
	t.Parallel()

	goodKey := bytes.Repeat([]byte{0x42}, KeySize)
	badKey := bytes.Repeat([]byte{0x24}, KeySize)
	iv, err := RandomIV()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(goodKey, iv, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = OpenAESGCM(badKey, iv, ciphertext, nil)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv, err := RandomIV()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(key, iv, []byte("payload"), nil)
	require.NoError(t, err)

	for i := range ciphertext {
		tampered := append([]byte(nil), ciphertext...)
		tampered[i] ^= 0x01
		_, err = OpenAESGCM(key, iv, tampered, nil)
		require.ErrorIs(t, err, ErrAuthenticationFailed, "flipped bit at byte %d", i)
	}
}

func TestOpenTamperedIVFails(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv, err := RandomIV()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(key, iv, []byte("payload"), nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), iv...)
	tampered[0] ^= 0xff
	_, err = OpenAESGCM(key, tampered, ciphertext, nil)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOpenTamperedAADFails(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv, err := RandomIV()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(key, iv, []byte("payload"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = OpenAESGCM(key, iv, ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSealRejectsShortKey(t *testing.T) {
	t.Parallel()

	iv, err := RandomIV()
	require.NoError(t, err)

	_, err = SealAESGCM([]byte("short"), iv, []byte("payload"), nil)
	require.ErrorIs(t, err, ErrInvalidAEADInput)
}

func TestSealRejectsWrongIVSize(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	_, err := SealAESGCM(key, []byte("bad-iv"), []byte("payload"), nil)
	require.ErrorIs(t, err, ErrInvalidAEADInput)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	salt := []byte("0123456789abcdef")
	first, err := DeriveKey([]byte("correct-horse"), salt, DefaultPBKDF2Params())
	require.NoError(t, err)
	second, err := DeriveKey([]byte("correct-horse"), salt, DefaultPBKDF2Params())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, KeySize)
}

func TestDeriveKeyDistinctPerPassphrase(t *testing.T) {
	t.Parallel()

	salt := []byte("0123456789abcdef")
	a, err := DeriveKey([]byte("correct-horse"), salt, DefaultPBKDF2Params())
	require.NoError(t, err)
	b, err := DeriveKey([]byte("wrong-horse"), salt, DefaultPBKDF2Params())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDeriveKeyDistinctPerSalt(t *testing.T) {
	t.Parallel()

	a, err := DeriveKey([]byte("correct-horse"), []byte("0123456789abcdef"), DefaultPBKDF2Params())
	require.NoError(t, err)
	b, err := DeriveKey([]byte("correct-horse"), []byte("fedcba9876543210"), DefaultPBKDF2Params())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDeriveKeyRejectsWeakIterations(t *testing.T) {
	t.Parallel()

	params := DefaultPBKDF2Params()
	params.Iterations = MinPBKDF2Iterations - 1

	_, err := DeriveKey([]byte("pass"), []byte("0123456789abcdef"), params)
	require.ErrorIs(t, err, ErrInvalidPBKDF2Params)
}

func TestDeriveKeyRejectsShortSalt(t *testing.T) {
	t.Parallel()

	_, err := DeriveKey([]byte("pass"), []byte("short"), DefaultPBKDF2Params())
	require.ErrorIs(t, err, ErrInvalidPBKDF2Params)
}

func TestDeriveKeyRejectsEmptyPassphrase(t *testing.T) {
	t.Parallel()

	_, err := DeriveKey(nil, []byte("0123456789abcdef"), DefaultPBKDF2Params())
	require.ErrorIs(t, err, ErrInvalidPBKDF2Params)
}

func TestIVUniquenessAcrossGenerations(t *testing.T) {
	t.Parallel()

	const samples = 10000
	seen := make(map[string]struct{}, samples)
	for i := 0; i < samples; i++ {
		iv, err := RandomIV()
		require.NoError(t, err)
		key := string(iv)
		if _, exists := seen[key]; exists {
			t.Fatalf("duplicate iv detected at index %d", i)
		}
		seen[key] = struct{}{}
	}
}

func TestGenerateSaltRejectsShortLength(t *testing.T) {
	t.Parallel()

	_, err := GenerateSalt(8)
	require.Error(t, err)
}
