package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	raw := []byte(`{"b": 1, "a": {"z": [1, 2], "m": "x"}}`)

	got, err := Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":"x","z":[1,2]},"b":1}`, string(got))
}

func TestMarshalPreservesNumericLiterals(t *testing.T) {
	got, err := Marshal([]byte(`{"count": 1000, "ratio": 0.25, "big": 9007199254740993}`))
	require.NoError(t, err)
	// Integers stay integers; the 2^53+1 literal must not round-trip
	// through a float.
	assert.Equal(t, `{"big":9007199254740993,"count":1000,"ratio":0.25}`, string(got))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	got, err := Marshal([]byte(`{"path": "a/<b>&c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"path":"a/<b>&c"}`, string(got))
}

func TestMarshalRejectsTrailingData(t *testing.T) {
	_, err := Marshal([]byte(`{"a":1}{"b":2}`))
	assert.Error(t, err)
}

func TestSignDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	s1, err := Sign(secret, []byte(`{"counts":{"photos":12,"sidecars":3},"status":"COMPLETED"}`))
	require.NoError(t, err)
	s2, err := Sign(secret, []byte(`{"status":"COMPLETED","counts":{"sidecars":3,"photos":12}}`))
	require.NoError(t, err)

	assert.Equal(t, s1, s2, "key order must not change the signature")
}

func TestSignDiffersAcrossSecrets(t *testing.T) {
	raw := []byte(`{"a":1}`)

	s1, err := Sign([]byte("secret-one-secret-one-secret-one"), raw)
	require.NoError(t, err)
	s2, err := Sign([]byte("secret-two-secret-two-secret-two"), raw)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
}

func TestVerify(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	raw := []byte(`{"files_scanned":42,"status":"COMPLETED"}`)

	sig, err := Sign(secret, raw)
	require.NoError(t, err)

	assert.True(t, Verify(secret, raw, sig))
	assert.True(t, Verify(secret, []byte(`{"status":"COMPLETED","files_scanned":42}`), sig),
		"reordered payload must still verify")
	assert.False(t, Verify(secret, []byte(`{"files_scanned":43,"status":"COMPLETED"}`), sig))
	assert.False(t, Verify([]byte("wrong-secret-wrong-secret-wrong!"), raw, sig))
	assert.False(t, Verify(secret, raw, "zz not hex"))
	assert.False(t, Verify(secret, []byte(`not json`), sig))
}

func TestSignEmptySecret(t *testing.T) {
	_, err := Sign(nil, []byte(`{}`))
	assert.Error(t, err)
}
