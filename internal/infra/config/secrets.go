package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SealedPrefix marks a config value produced by SealSecret.
const SealedPrefix = "enc:"

const saltSize = 16

// ErrBadSecret is returned for sealed values that cannot be opened.
var ErrBadSecret = errors.New("cannot open sealed secret")

// SealSecret encrypts plaintext with a key derived from passphrase. The
// result is SealedPrefix followed by base64(salt | nonce | ciphertext).
func SealSecret(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	aead, err := secretAEAD(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}

	blob := append(salt, nonce...)
	blob = aead.Seal(blob, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.RawStdEncoding.EncodeToString(blob), nil
}

// OpenSecret reverses SealSecret. The prefix is optional.
func OpenSecret(sealed, passphrase string) (string, error) {
	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSecret, err)
	}
	if len(blob) < saltSize {
		return "", fmt.Errorf("%w: truncated", ErrBadSecret)
	}
	aead, err := secretAEAD(passphrase, blob[:saltSize])
	if err != nil {
		return "", err
	}
	rest := blob[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: truncated", ErrBadSecret)
	}
	plain, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong passphrase or corrupted value", ErrBadSecret)
	}
	return string(plain), nil
}

// secretAEAD derives an AES-256-GCM cipher from passphrase with Argon2id.
func secretAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32))
	if err != nil {
		return nil, fmt.Errorf("secret cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// openSecrets replaces every sealed secret field of cfg with its plaintext.
func openSecrets(cfg *Config, passphrase string) error {
	fields := []struct {
		name string
		v    *string
	}{
		{"chain.api_key", &cfg.Chain.APIKey},
		{"transport.token", &cfg.Transport.Token},
		{"transport.admin_token", &cfg.Transport.AdminToken},
		{"store.redis_password", &cfg.Store.RedisPassword},
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f.v, SealedPrefix) {
			continue
		}
		plain, err := OpenSecret(*f.v, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.v = plain
	}
	return nil
}
