package crypto

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"testing"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string // BLAKE2b-256 hash in hex
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		},
		{
			name:     "simple string",
			input:    []byte("hello world"),
			expected: "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := Hash(tt.input)
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}

			if got := hex.EncodeToString(hash); got != tt.expected {
				t.Errorf("Hash() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestGenerateNonce(t *testing.T) {
	for _, size := range []int{12, 16, 32} {
		nonce, err := GenerateNonce(size)
		if err != nil {
			t.Fatalf("GenerateNonce(%d) error = %v", size, err)
		}
		if len(nonce) != size {
			t.Errorf("GenerateNonce(%d) length = %d", size, len(nonce))
		}

		other, _ := GenerateNonce(size)
		if bytes.Equal(nonce, other) {
			t.Errorf("GenerateNonce(%d) produced identical nonces", size)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := bytes.Repeat([]byte{0x01}, KeySize)
	b := bytes.Repeat([]byte{0x02}, KeySize)

	fp, err := Fingerprint(a, b)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if !regexp.MustCompile(`^[0-9A-F]{4}( [0-9A-F]{4}){3}$`).MatchString(fp) {
		t.Errorf("Fingerprint() = %q, want four groups of four hex digits", fp)
	}

	again, _ := Fingerprint(a, b)
	if fp != again {
		t.Errorf("Fingerprint() not deterministic: %q vs %q", fp, again)
	}

	swapped, _ := Fingerprint(b, a)
	if fp == swapped {
		t.Error("Fingerprint() ignores key order")
	}
}
