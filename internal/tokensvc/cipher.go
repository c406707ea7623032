package tokensvc

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Cipher encrypts installation credentials at rest using nacl/secretbox,
// keyed by an HKDF-derived subkey of TOKEN_ENCRYPTION_KEY so the same root
// secret can be rotated into distinct per-purpose keys without a config
// fan-out.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the secretbox key from rootSecret via HKDF-SHA256
// with a fixed info string, so the root secret itself is never used
// directly as the box key.
func NewCipher(rootSecret []byte) (*Cipher, error) {
	if len(rootSecret) == 0 {
		return nil, fmt.Errorf("token encryption key is empty")
	}
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte("agentctl-tokensvc-installation-credentials"))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive cipher key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("decrypt: authentication failed")
	}
	return plaintext, nil
}
