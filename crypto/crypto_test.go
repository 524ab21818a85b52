package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustchain/rustchain-go/crypto"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := crypto.CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := crypto.CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSONPreservesLargeIntegers(t *testing.T) {
	// 2^53+1 is not representable as a float64.
	got, err := crypto.CanonicalJSON(map[string]interface{}{"amount": int64(9_007_199_254_740_993)})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":9007199254740993}`, string(got))
}

func TestAddressDerivation(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	addr := kp.Address()
	assert.Len(t, addr, 43)
	assert.Equal(t, "RTC", addr[:3])

	derived, err := crypto.AddressForHexKey(kp.PublicHex())
	require.NoError(t, err)
	assert.Equal(t, addr, derived)
}

func TestVerifyJSONRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]interface{}{"from": "RTCaa", "to": "RTCbb", "amount": 10, "nonce": 1}
	sig, err := kp.SignJSON(payload)
	require.NoError(t, err)

	assert.True(t, crypto.VerifyJSON(kp.PublicHex(), payload, sig))

	tampered := map[string]interface{}{"from": "RTCaa", "to": "RTCbb", "amount": 11, "nonce": 1}
	assert.False(t, crypto.VerifyJSON(kp.PublicHex(), tampered, sig))
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	assert.False(t, crypto.VerifyHex("zz", []byte("x"), "00"))
	assert.False(t, crypto.VerifyHex("00ff", []byte("x"), "00"))

	_, err := crypto.AddressForHexKey("not-hex")
	assert.ErrorIs(t, err, crypto.ErrBadKey)
}

func TestDigestStable(t *testing.T) {
	d1, err := crypto.DigestJSON(map[string]interface{}{"epoch": 3, "pool": 150000000})
	require.NoError(t, err)
	d2, err := crypto.DigestJSON(map[string]interface{}{"pool": 150000000, "epoch": 3})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}
