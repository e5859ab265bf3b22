package crypto

import (
	"errors"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrNonceExhausted = errors.New("nonce space exhausted")

// CipherState is one direction of an established channel: a
// ChaCha20-Poly1305 key with an implicit counter nonce, as split off a
// Noise handshake. Not safe for concurrent use.
type CipherState struct {
	cs *noise.CipherState
}

// NewCipherState wraps a cipher state returned by a completed handshake
func NewCipherState(cs *noise.CipherState) *CipherState {
	return &CipherState{cs: cs}
}

// Encrypt seals plaintext with the next nonce
func (c *CipherState) Encrypt(ad, plaintext []byte) ([]byte, error) {
	out, err := c.cs.Encrypt(nil, ad, plaintext)
	if errors.Is(err, noise.ErrMaxNonce) {
		return nil, ErrNonceExhausted
	}
	return out, err
}

// Decrypt opens ciphertext with the next nonce. The counter only
// advances on success.
func (c *CipherState) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	out, err := c.cs.Decrypt(nil, ad, ciphertext)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, noise.ErrMaxNonce):
		return nil, ErrNonceExhausted
	default:
		return nil, ErrDecryptionFailed
	}
}

// Counter returns the number of messages processed so far
func (c *CipherState) Counter() uint64 {
	return c.cs.Nonce()
}

// Overhead is the number of bytes Encrypt adds
func (c *CipherState) Overhead() int {
	return chacha20poly1305.Overhead
}
