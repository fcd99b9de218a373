// Package crypto implements the symmetric encryption shim guarding
// provider API keys at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/khazad/mellon/internal"
)

// tokenPrefix versions the token format so future cipher changes stay
// distinguishable on disk.
const tokenPrefix = "v1:"

// decryptCacheTTL bounds how long a decrypted key stays in memory. The cache
// key includes the full ciphertext, so a key rotation naturally misses.
const decryptCacheTTL = 5 * time.Minute

// Cipher provides authenticated encryption for provider secrets. The key is
// derived deterministically from a process-wide secret, so tokens survive
// restarts. Safe for concurrent use.
type Cipher struct {
	aead  cipher.AEAD
	cache *otter.Cache[string, string]
}

// New derives an AES-256-GCM cipher from the given secret.
func New(secret string) (*Cipher, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	cache := otter.Must(&otter.Options[string, string]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, string](decryptCacheTTL),
	})
	return &Cipher{aead: aead, cache: cache}, nil
}

// Encrypt seals plaintext into a self-describing, tamper-evident token.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed or tampered
// token fails with gateway.ErrDecryption. Successful decrypts are cached
// briefly to keep AES off the per-request hot path.
func (c *Cipher) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	if v, ok := c.cache.GetIfPresent(token); ok {
		return v, nil
	}

	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown token format", gateway.ErrDecryption)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrDecryption, err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: token too short", gateway.ErrDecryption)
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrDecryption, err)
	}

	c.cache.Set(token, string(plain))
	return string(plain), nil
}
