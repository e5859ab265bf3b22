package store

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/ZentaChain/nocksup/pkg/crypto"
)

const envelopeVersion = 1

// sealed is the on-disk structure holding ciphertext and KDF parameters
type sealed struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// envelope encrypts records at rest when a passphrase is configured
type envelope struct {
	passphrase string
	n, r, p    int
}

func newEnvelope(passphrase string) *envelope {
	return &envelope{passphrase: passphrase, n: 1 << 15, r: 8, p: 1}
}

func (e *envelope) enabled() bool {
	return e != nil && e.passphrase != ""
}

func (e *envelope) seal(raw []byte) ([]byte, error) {
	if !e.enabled() {
		return raw, nil
	}
	salt, err := crypto.GenerateNonce(16)
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(e.passphrase), salt, e.n, e.r, e.p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// a fresh salt gives a fresh key per record, so the zero nonce is never reused
	var nonce [chacha20poly1305.NonceSize]byte
	return json.Marshal(sealed{
		V:      envelopeVersion,
		Salt:   salt,
		N:      e.n,
		R:      e.r,
		P:      e.p,
		Cipher: aead.Seal(nil, nonce[:], raw, salt),
	})
}

func (e *envelope) open(data []byte) ([]byte, error) {
	if !e.enabled() {
		return data, nil
	}
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	if s.V > envelopeVersion || len(s.Cipher) == 0 {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrWrongPassphrase, s.V)
	}
	key, err := scrypt.Key([]byte(e.passphrase), s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	raw, err := aead.Open(nil, nonce[:], s.Cipher, s.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return raw, nil
}

func (e *envelope) marshal(s *Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return e.seal(raw)
}

func (e *envelope) unmarshal(data []byte) (*Session, error) {
	raw, err := e.open(data)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}
