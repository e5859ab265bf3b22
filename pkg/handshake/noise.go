package handshake

import (
	"crypto/rand"
	"io"

	"github.com/flynn/noise"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

// Noise_XX_25519_ChaChaPoly_SHA256
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newHandshakeState starts an XX exchange. The library draws a fresh
// ephemeral key from random for every state.
func newHandshakeState(static *crypto.KeyPair, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      protocol.Prologue(),
		StaticKeypair: noise.DHKey{Private: static.Private, Public: static.Public},
	})
}

func writeNoise(w io.Writer, msg []byte) error {
	return writeMessage(w, node.New("handshake").WithChildren(node.Node{Tag: "noise", Content: msg}))
}

func readNoise(r io.Reader) ([]byte, error) {
	msg, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	return field(msg, "noise")
}
