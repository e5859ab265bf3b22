package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// Fingerprint renders a short human comparable digest of one or more keys,
// e.g. "1A2B 3C4D 5E6F 7A8B".
func Fingerprint(keys ...[]byte) (string, error) {
	sum, err := Hash(bytes.Join(keys, nil))
	if err != nil {
		return "", err
	}
	digest := strings.ToUpper(hex.EncodeToString(sum[:8]))

	groups := make([]string, 0, len(digest)/4)
	for i := 0; i < len(digest); i += 4 {
		groups = append(groups, digest[i:i+4])
	}
	return strings.Join(groups, " "), nil
}
