package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlowe/crmsync/internal/audit"
	"github.com/marlowe/crmsync/internal/models"
)

func newRegistry() *Registry {
	return NewRegistry(audit.Nop{})
}

func TestRegister_TrustBootstrap(t *testing.T) {
	r := newRegistry()

	plain := r.Register("u1", "d1", "fp-1", "desktop", false)
	assert.Equal(t, models.TrustUntrusted, plain.TrustLevel, "no MFA: starts untrusted")

	mfa := r.Register("u1", "d2", "fp-2", "desktop", true)
	assert.Equal(t, models.TrustBasic, mfa.TrustLevel, "MFA-verified session: starts basic")
}

func TestRegister_RefreshKeepsTrustLevel(t *testing.T) {
	r := newRegistry()

	r.Register("u1", "d1", "fp-1", "desktop", false)
	require.NoError(t, r.Verify("u1", "d1", models.TrustTrusted))

	again := r.Register("u1", "d1", "fp-1b", "desktop", false)
	assert.Equal(t, models.TrustTrusted, again.TrustLevel, "re-registration must not reset trust")
	assert.Equal(t, "fp-1b", again.Fingerprint)
}

func TestVerify_ForwardOnly(t *testing.T) {
	r := newRegistry()
	r.Register("u1", "d1", "fp-1", "desktop", true) // basic

	require.NoError(t, r.Verify("u1", "d1", models.TrustTrusted))
	require.NoError(t, r.Verify("u1", "d1", models.TrustVerified))

	err := r.Verify("u1", "d1", models.TrustBasic)
	assert.ErrorIs(t, err, ErrTrustRegression)

	err = r.Verify("u1", "d1", models.TrustVerified)
	assert.ErrorIs(t, err, ErrTrustRegression, "same-level transition is not a verification event")

	rec, ok := r.Get("u1", "d1")
	require.True(t, ok)
	assert.Equal(t, models.TrustVerified, rec.TrustLevel)
}

func TestVerify_UnknownDevice(t *testing.T) {
	r := newRegistry()
	err := r.Verify("u1", "ghost", models.TrustTrusted)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRevoke_ForcesUntrustedAndFiresCallback(t *testing.T) {
	r := newRegistry()
	r.Register("u1", "d1", "fp-1", "desktop", true)
	require.NoError(t, r.Verify("u1", "d1", models.TrustVerified))

	var revokedUser, revokedDevice string
	r.OnRevoke(func(userID, deviceID string) {
		revokedUser, revokedDevice = userID, deviceID
	})

	require.NoError(t, r.Revoke("u1", "d1"))

	rec, ok := r.Get("u1", "d1")
	require.True(t, ok)
	assert.Equal(t, models.TrustUntrusted, rec.TrustLevel)
	assert.False(t, rec.MFAVerified)
	assert.Equal(t, "u1", revokedUser)
	assert.Equal(t, "d1", revokedDevice)
}

func TestRequire_GatesByLevel(t *testing.T) {
	r := newRegistry()
	r.Register("u1", "d1", "fp-1", "desktop", true) // basic

	assert.NoError(t, r.Require("u1", "d1", models.TrustBasic), "settings sync needs basic")
	assert.ErrorIs(t, r.Require("u1", "d1", models.TrustTrusted), ErrInsufficientTrust,
		"credential sync needs trusted")

	require.NoError(t, r.Verify("u1", "d1", models.TrustTrusted))
	assert.NoError(t, r.Require("u1", "d1", models.TrustTrusted))
}

func TestRequire_UnknownDevice(t *testing.T) {
	r := newRegistry()
	assert.ErrorIs(t, r.Require("u1", "ghost", models.TrustBasic), ErrUnknownDevice)
}

func TestCleanup_RemovesUserState(t *testing.T) {
	r := newRegistry()
	r.Register("u1", "d1", "fp-1", "desktop", true)
	r.Register("u2", "d2", "fp-2", "desktop", true)

	r.Cleanup("u1")

	_, ok := r.Get("u1", "d1")
	assert.False(t, ok)
	_, ok = r.Get("u2", "d2")
	assert.True(t, ok, "cleanup is scoped to one user")
}

func TestFingerprint_Deterministic(t *testing.T) {
	attrs := map[string]string{"host": "workstation", "os": "linux", "arch": "amd64"}

	a := FingerprintFrom(attrs)
	b := FingerprintFrom(attrs)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^fp-[0-9a-f]{16}$`, a)

	other := FingerprintFrom(map[string]string{"host": "laptop", "os": "linux", "arch": "amd64"})
	assert.NotEqual(t, a, other)
}

func TestFingerprint_KeyAndValueBoundaries(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	a := FingerprintFrom(map[string]string{"ab": "c"})
	b := FingerprintFrom(map[string]string{"a": "bc"})
	assert.NotEqual(t, a, b)
}
