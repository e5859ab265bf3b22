package handshake

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
)

// Certificate binds a server's static Noise key to a trusted root
type Certificate struct {
	Issuer    string
	Key       []byte
	Expires   time.Time
	Signature []byte
}

func (c *Certificate) details() []byte {
	buf := make([]byte, 0, len(c.Key)+len(c.Issuer)+8)
	buf = append(buf, c.Key...)
	buf = append(buf, c.Issuer...)
	return binary.BigEndian.AppendUint64(buf, uint64(c.Expires.Unix()))
}

// IssueCertificate signs key with the root private key
func IssueCertificate(root ed25519.PrivateKey, issuer string, key []byte, expires time.Time) *Certificate {
	c := &Certificate{
		Issuer:  issuer,
		Key:     append([]byte(nil), key...),
		Expires: expires.Truncate(time.Second),
	}
	c.Signature = ed25519.Sign(root, c.details())
	return c
}

// Verify checks that c was signed by root, names key and has not expired
func (c *Certificate) Verify(root ed25519.PublicKey, key []byte, now time.Time) error {
	if !bytes.Equal(c.Key, key) {
		return fmt.Errorf("certificate does not match server static key")
	}
	if !now.Before(c.Expires) {
		return fmt.Errorf("certificate expired at %s", c.Expires.UTC().Format(time.RFC3339))
	}
	if err := crypto.Verify(root, c.details(), c.Signature); err != nil {
		return fmt.Errorf("certificate signature: %w", err)
	}
	return nil
}

// Node renders the certificate for the wire
func (c *Certificate) Node() node.Node {
	return node.New("cert",
		"issuer", c.Issuer,
		"expires", strconv.FormatInt(c.Expires.Unix(), 10),
	).WithChildren(
		node.Node{Tag: "key", Content: c.Key},
		node.Node{Tag: "signature", Content: c.Signature},
	)
}

// ParseCertificate reads a certificate node
func ParseCertificate(n node.Node) (*Certificate, error) {
	if n.Tag != "cert" {
		return nil, fmt.Errorf("expected <cert>, got <%s>", n.Tag)
	}
	expires, err := strconv.ParseInt(n.GetAttr("expires"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("certificate expiry: %w", err)
	}
	key, ok := n.ChildContent("key")
	if !ok {
		return nil, fmt.Errorf("certificate has no key")
	}
	sig, ok := n.ChildContent("signature")
	if !ok {
		return nil, fmt.Errorf("certificate has no signature")
	}
	return &Certificate{
		Issuer:    n.GetAttr("issuer"),
		Key:       key,
		Expires:   time.Unix(expires, 0),
		Signature: sig,
	}, nil
}
