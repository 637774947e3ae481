package signer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignDeterministic(t *testing.T) {
	t.Parallel()

	params := map[string]string{"id": "vm-1", "zoneId": "z-1"}
	first, err := Sign("deployVirtualMachine", params, "top-secret")
	require.NoError(t, err)
	second, err := Sign("deployVirtualMachine", params, "top-secret")
	require.NoError(t, err)
	require.Equal(t, first.Signature, second.Signature)
	require.Equal(t, first.Query, second.Query)
}

func TestSignChangesWithAnyParameterValue(t *testing.T) {
	t.Parallel()

	base, err := Sign("deployVirtualMachine", map[string]string{"id": "vm-1"}, "top-secret")
	require.NoError(t, err)

	changed, err := Sign("deployVirtualMachine", map[string]string{"id": "vm-2"}, "top-secret")
	require.NoError(t, err)
	require.NotEqual(t, base.Signature, changed.Signature)
}

func TestSignChangesWithSecretKey(t *testing.T) {
	t.Parallel()

	a, err := Sign("listVirtualMachines", nil, "key-a")
	require.NoError(t, err)
	b, err := Sign("listVirtualMachines", nil, "key-b")
	require.NoError(t, err)
	require.NotEqual(t, a.Signature, b.Signature)
}

func TestSignLowercasesKeysAndSorts(t *testing.T) {
	t.Parallel()

	signed, err := Sign("listVolumes", map[string]string{
		"ZoneId": "z-1",
		"apikey": "AK",
	}, "top-secret")
	require.NoError(t, err)

	require.Equal(t, "apikey=AK&command=listVolumes&zoneid=z-1&signature="+mustSignaturePart(t, signed.Query), signed.Query)
}

func TestSignSortsPrefixKeysByKeyNotEntry(t *testing.T) {
	t.Parallel()

	// "name.ext=..." sorts before "name=..." as a whole string because '.'
	// is below '='. Key order must win regardless.
	signed, err := Sign("updateTemplate", map[string]string{
		"name":     "base",
		"name.ext": "qcow2",
	}, "top-secret")
	require.NoError(t, err)

	require.Less(t,
		strings.Index(signed.Query, "&name="),
		strings.Index(signed.Query, "&name.ext="))
	require.Equal(t, "command=updateTemplate&name=base&name.ext=qcow2&signature="+mustSignaturePart(t, signed.Query), signed.Query)
}

func TestSignEncodesValues(t *testing.T) {
	t.Parallel()

	signed, err := Sign("updateVirtualMachine", map[string]string{
		"displayname": "web server 01",
	}, "top-secret")
	require.NoError(t, err)

	require.Contains(t, signed.Query, "displayname=web%20server%2001")
	require.NotContains(t, signed.Query, "+")
}

func TestSignKeyOrderIndependent(t *testing.T) {
	t.Parallel()

	a, err := Sign("listNetworks", map[string]string{"ZoneId": "z", "Account": "a"}, "top-secret")
	require.NoError(t, err)
	b, err := Sign("listNetworks", map[string]string{"Account": "a", "ZoneId": "z"}, "top-secret")
	require.NoError(t, err)
	require.Equal(t, a.Signature, b.Signature)
}

func TestSignEmptySecretKeyFails(t *testing.T) {
	t.Parallel()

	_, err := Sign("listVirtualMachines", nil, "")
	require.ErrorIs(t, err, ErrSigning)
}

func TestSignEmptyCommandFails(t *testing.T) {
	t.Parallel()

	_, err := Sign("", nil, "top-secret")
	require.ErrorIs(t, err, ErrSigning)
}

func TestSignInvalidUTF8ValueFails(t *testing.T) {
	t.Parallel()

	_, err := Sign("updateVirtualMachine", map[string]string{"displayname": string([]byte{0xff, 0xfe})}, "top-secret")
	require.ErrorIs(t, err, ErrSigning)
}

func TestSignatureIsURLEncodedInQuery(t *testing.T) {
	t.Parallel()

	// Base64 output can contain '+' and '/', both of which must be escaped
	// in the final query string.
	for i := 0; i < 64; i++ {
		signed, err := Sign("listVirtualMachines", map[string]string{"page": strings.Repeat("9", i+1)}, "top-secret")
		require.NoError(t, err)
		suffix := signed.Query[strings.LastIndex(signed.Query, "signature=")+len("signature="):]
		require.NotContains(t, suffix, "+")
		require.NotContains(t, suffix, "/")
	}
}

func mustSignaturePart(t *testing.T, query string) string {
	t.Helper()
	idx := strings.LastIndex(query, "signature=")
	require.NotEqual(t, -1, idx)
	return query[idx+len("signature="):]
}
