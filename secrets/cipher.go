// Package secrets provides the envelope-encryption primitive used for every
// credential and configuration blob the broker persists at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Token format: "v1:<hex nonce>:<hex tag>:<hex ciphertext>". The segments are
// self-describing so the token survives any storage column type. Tokens
// written before the version tag was introduced carry three segments and are
// still accepted on decrypt.
const tokenVersion = "v1"

var (
	// ErrInvalidPayload is returned when a ciphertext token does not parse
	// into the expected hex segments. Callers must distinguish this from
	// ordinary not-found conditions.
	ErrInvalidPayload = errors.New("secrets: invalid ciphertext payload")

	// ErrAuthenticationFailed is returned when the AEAD tag check fails,
	// meaning a wrong master key or corrupted ciphertext.
	ErrAuthenticationFailed = errors.New("secrets: authentication failed")
)

// Cipher encrypts and decrypts JSON-serializable values with AES-256-GCM.
// It is stateless and safe for concurrent use.
type Cipher struct {
	key []byte
}

// NewCipher derives a 256-bit key from the operator's master key. A 64-hex-
// character value is used directly as raw key bytes; any other non-empty
// value is treated as a passphrase and hashed once with SHA-256.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key is required")
	}

	if len(masterKey) == 64 {
		if raw, err := hex.DecodeString(masterKey); err == nil {
			return &Cipher{key: raw}, nil
		}
	}

	sum := sha256.Sum256([]byte(masterKey))
	return &Cipher{key: sum[:]}, nil
}

// Encrypt serializes v as JSON and seals it with a fresh 96-bit nonce.
func (c *Cipher) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal plaintext: %w", err)
	}

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; split it back out so the token
	// carries nonce, tag, and ciphertext as independent segments.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		tokenVersion,
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a token produced by Encrypt and unmarshals the plaintext
// into v. It fails with ErrInvalidPayload when the token does not parse and
// ErrAuthenticationFailed when the tag check fails.
func (c *Cipher) Decrypt(token string, v any) error {
	nonce, tag, ciphertext, err := parseToken(token)
	if err != nil {
		return err
	}

	gcm, err := c.aead()
	if err != nil {
		return err
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return ErrInvalidPayload
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return ErrAuthenticationFailed
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("secrets: unmarshal plaintext: %w", err)
	}
	return nil
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}
	return gcm, nil
}

func parseToken(token string) (nonce, tag, ciphertext []byte, err error) {
	parts := strings.Split(token, ":")
	switch len(parts) {
	case 4:
		if parts[0] != tokenVersion {
			return nil, nil, nil, ErrInvalidPayload
		}
		parts = parts[1:]
	case 3:
		// legacy unversioned token
	default:
		return nil, nil, nil, ErrInvalidPayload
	}

	segs := make([][]byte, 3)
	for i, p := range parts {
		seg, decodeErr := hex.DecodeString(p)
		if decodeErr != nil || p == "" {
			return nil, nil, nil, ErrInvalidPayload
		}
		segs[i] = seg
	}
	return segs[0], segs[1], segs[2], nil
}
