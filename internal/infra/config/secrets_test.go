package config

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenSecret(t *testing.T) {
	sealed, err := SealSecret("node-api-key-abcdef", "test-passphrase")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))
	assert.NotContains(t, sealed, "node-api-key")

	again, err := SealSecret("node-api-key-abcdef", "test-passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh salt and nonce per seal")

	plain, err := OpenSecret(sealed, "test-passphrase")
	require.NoError(t, err)
	assert.Equal(t, "node-api-key-abcdef", plain)

	plain, err = OpenSecret(strings.TrimPrefix(sealed, SealedPrefix), "test-passphrase")
	require.NoError(t, err)
	assert.Equal(t, "node-api-key-abcdef", plain)
}

func TestOpenSecretRejects(t *testing.T) {
	sealed, err := SealSecret("s3cret", "right")
	require.NoError(t, err)
	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	tampered := SealedPrefix + base64.RawStdEncoding.EncodeToString(blob)

	for name, in := range map[string]string{
		"wrong passphrase": sealed,
		"not base64":       "enc:***",
		"truncated salt":   "enc:AAAA",
		"no ciphertext":    SealedPrefix + strings.Repeat("A", 30),
		"flipped byte":     tampered,
	} {
		pass := "right"
		if name == "wrong passphrase" {
			pass = "wrong"
		}
		_, err := OpenSecret(in, pass)
		assert.ErrorIs(t, err, ErrBadSecret, name)
	}
}

func TestOpenSecretsInConfig(t *testing.T) {
	key, err := SealSecret("api-key", "cfg-key")
	require.NoError(t, err)
	token, err := SealSecret("ws-token", "cfg-key")
	require.NoError(t, err)
	admin, err := SealSecret("admin-token", "cfg-key")
	require.NoError(t, err)

	cfg := Defaults()
	cfg.Chain.APIKey = key
	cfg.Transport.Token = token
	cfg.Transport.AdminToken = admin
	cfg.Store.RedisPassword = "plain"
	require.NoError(t, openSecrets(cfg, "cfg-key"))
	assert.Equal(t, "admin-token", cfg.Transport.AdminToken)
	assert.Equal(t, "api-key", cfg.Chain.APIKey)
	assert.Equal(t, "ws-token", cfg.Transport.Token)
	assert.Equal(t, "plain", cfg.Store.RedisPassword)

	cfg.Store.RedisPassword = "enc:broken"
	err = openSecrets(cfg, "cfg-key")
	assert.ErrorIs(t, err, ErrBadSecret)
	assert.ErrorContains(t, err, "store.redis_password")
}
