package vault_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/crypto"
	"keygate/internal/vault"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.Config{Salt: []byte("fixed-test-salt!"), Iterations: crypto.MinIterations})
	require.NoError(t, err)
	return v
}

func TestKeyLifecycle(t *testing.T) {
	v := newVault(t)

	material, capability, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)
	defer capability.Zero()
	assert.Contains(t, string(material.EncryptKey), "PUBLIC KEY")
	assert.NotContains(t, string(material.WrappedDecryptKey), "PRIVATE KEY")

	env, err := v.SealSecret("sk-test-123", material.EncryptKey)
	require.NoError(t, err)

	plain, err := v.OpenSecret(env, capability)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", plain)

	unlocked, err := v.UnwrapDecryptKey(material.WrappedDecryptKey, "p1")
	require.NoError(t, err)
	plain, err = v.OpenSecret(env, unlocked)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", plain)

	_, otherCapability, err := v.CreateUserKeyMaterial("p2")
	require.NoError(t, err)
	_, err = v.OpenSecret(env, otherCapability)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)
	assert.ErrorIs(t, err, crypto.ErrCryptoFailure)
}

func TestUnwrapWrongPassphrase(t *testing.T) {
	v := newVault(t)
	material, _, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)

	for _, wrong := range []string{"", "p2", "P1", "p1 "} {
		c, err := v.UnwrapDecryptKey(material.WrappedDecryptKey, wrong)
		assert.ErrorIs(t, err, vault.ErrInvalidPassphrase, "passphrase %q", wrong)
		assert.ErrorIs(t, err, crypto.ErrCryptoFailure)
		assert.Nil(t, c)
	}
}

func TestRewrap(t *testing.T) {
	v := newVault(t)
	material, capability, err := v.CreateUserKeyMaterial("old-pass")
	require.NoError(t, err)
	env, err := v.SealSecret("sk-rewrap-000", material.EncryptKey)
	require.NoError(t, err)

	rewrapped, err := v.Rewrap("old-pass", "new-pass", material.WrappedDecryptKey)
	require.NoError(t, err)
	assert.NotEqual(t, material.WrappedDecryptKey, rewrapped)

	_, err = v.UnwrapDecryptKey(rewrapped, "old-pass")
	assert.ErrorIs(t, err, vault.ErrInvalidPassphrase)

	unlocked, err := v.UnwrapDecryptKey(rewrapped, "new-pass")
	require.NoError(t, err)
	assert.Equal(t, capability.Encode(), unlocked.Encode())

	plain, err := v.OpenSecret(env, unlocked)
	require.NoError(t, err)
	assert.Equal(t, "sk-rewrap-000", plain)
}

func TestRewrapWrongOldPassphrase(t *testing.T) {
	v := newVault(t)
	material, _, err := v.CreateUserKeyMaterial("old-pass")
	require.NoError(t, err)

	out, err := v.Rewrap("nope", "new-pass", material.WrappedDecryptKey)
	assert.ErrorIs(t, err, vault.ErrInvalidPassphrase)
	assert.Nil(t, out)

	_, err = v.UnwrapDecryptKey(material.WrappedDecryptKey, "old-pass")
	assert.NoError(t, err)
}

func TestSealLargeSecret(t *testing.T) {
	v := newVault(t)
	material, capability, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)

	secret := strings.Repeat("json-service-account-", 40)
	env, err := v.SealSecret(secret, material.EncryptKey)
	require.NoError(t, err)
	plain, err := v.OpenSecret(env, capability)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)
}

func TestOpenSecretRejectsBadInput(t *testing.T) {
	v := newVault(t)
	material, capability, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)
	env, err := v.SealSecret("sk-test-123", material.EncryptKey)
	require.NoError(t, err)

	_, err = v.OpenSecret("%%%not-base64", capability)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)

	_, err = v.OpenSecret(env, nil)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)

	capability.Zero()
	_, err = v.OpenSecret(env, capability)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)
}

func TestSelfTest(t *testing.T) {
	v := newVault(t)
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, v.SelfTest(pub, priv))

	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, v.SelfTest(otherPub, priv))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := vault.New(vault.Config{})
	assert.ErrorIs(t, err, vault.ErrEmptySalt)

	_, err = vault.New(vault.Config{Salt: []byte("s"), Iterations: 10})
	assert.Error(t, err)
}

func TestCapabilityEncoding(t *testing.T) {
	v := newVault(t)
	_, capability, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)

	token := capability.Encode()
	parsed, err := vault.ParseCapability(token)
	require.NoError(t, err)
	assert.Equal(t, token, parsed.Encode())

	_, err = vault.ParseCapability("")
	assert.ErrorIs(t, err, vault.ErrInvalidCapability)
	_, err = vault.ParseCapability("aGVsbG8")
	assert.ErrorIs(t, err, vault.ErrInvalidCapability)
}

func TestCapabilityRedacted(t *testing.T) {
	v := newVault(t)
	_, capability, err := v.CreateUserKeyMaterial("p1")
	require.NoError(t, err)

	for _, s := range []string{
		fmt.Sprintf("%v", capability),
		fmt.Sprintf("%s", capability),
		fmt.Sprintf("%+v", capability),
		fmt.Sprintf("%#v", capability),
		capability.String(),
	} {
		assert.NotContains(t, s, "PRIVATE")
		assert.Contains(t, s, "redacted")
	}
}
