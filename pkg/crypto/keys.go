package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeySize is the length of X25519 and Ed25519 public keys
const KeySize = 32

// KeyPair is an X25519 key pair used for Diffie-Hellman
type KeyPair struct {
	Public  []byte `json:"pub"`
	Private []byte `json:"priv"`
}

// GenerateKeyPair generates a fresh X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, err
	}
	return KeyPairFromPrivate(private)
}

// KeyPairFromPrivate derives the public half of an X25519 private key
func KeyPairFromPrivate(private []byte) (*KeyPair, error) {
	if len(private) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(private))
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp := &KeyPair{Public: public, Private: make([]byte, len(private))}
	copy(kp.Private, private)
	return kp, nil
}

// DH computes the shared secret between kp and a peer public key.
// Low-order peer points are rejected.
func (kp *KeyPair) DH(peer []byte) ([]byte, error) {
	if len(peer) != KeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(peer))
	}
	shared, err := curve25519.X25519(kp.Private, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// IdentityKeyPair is the long-term identity of a device
type IdentityKeyPair struct {
	PublicKey  []byte  `json:"sign_pub"`  // Ed25519 public key (for signatures)
	PrivateKey []byte  `json:"sign_priv"` // Ed25519 private key
	DH         KeyPair `json:"dh"`        // X25519 pair (for DH)
}

// GenerateIdentityKeyPair generates a long-term identity key pair
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	edPublic, edPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	return &IdentityKeyPair{
		PublicKey:  edPublic,
		PrivateKey: edPrivate,
		DH:         *dh,
	}, nil
}

// Sign signs data with the identity's Ed25519 key
func (k *IdentityKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.PrivateKey), data)
}

// Verify checks an Ed25519 signature made by public over data
func Verify(public, data, signature []byte) error {
	if len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(public))
	}
	if !ed25519.Verify(ed25519.PublicKey(public), data, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignedPreKey is a medium-term X25519 key signed by the identity key
type SignedPreKey struct {
	KeyID     uint32  `json:"id"`
	Key       KeyPair `json:"key"`
	Signature []byte  `json:"sig"`
	Timestamp uint64  `json:"ts"`
}

func signedPreKeyData(keyID uint32, public []byte, timestamp uint64) []byte {
	sigData := make([]byte, 4+KeySize+8)
	binary.BigEndian.PutUint32(sigData[0:4], keyID)
	copy(sigData[4:36], public)
	binary.BigEndian.PutUint64(sigData[36:44], timestamp)
	return sigData
}

// GenerateSignedPreKey generates a signed prekey
func GenerateSignedPreKey(keyID uint32, identity *IdentityKeyPair) (*SignedPreKey, error) {
	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	timestamp := uint64(time.Now().UnixMilli())
	return &SignedPreKey{
		KeyID:     keyID,
		Key:       *key,
		Signature: identity.Sign(signedPreKeyData(keyID, key.Public, timestamp)),
		Timestamp: timestamp,
	}, nil
}

// VerifySignedPreKey verifies the signature on a signed prekey
func VerifySignedPreKey(identityPublic []byte, spk *SignedPreKey) error {
	return Verify(identityPublic, signedPreKeyData(spk.KeyID, spk.Key.Public, spk.Timestamp), spk.Signature)
}

// GenerateRegistrationID returns a random 14-bit registration id
func GenerateRegistrationID() (uint32, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(binary.BigEndian.Uint16(b[:])&0x3fff) + 1, nil
}
