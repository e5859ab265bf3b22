package handshake

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
)

// InitiatorConfig configures the client side
type InitiatorConfig struct {
	Static  *crypto.KeyPair   // Device noise key
	RootKey ed25519.PublicKey // Trust anchor for server certificates
	Issuer  string            // Expected certificate issuer, any if empty
	Hello   node.Node         // Plaintext metadata sent in the first message
	Payload node.Node         // Login or register stanza, sent encrypted
	Timeout time.Duration
	Now     func() time.Time
}

// Initiator runs one client handshake. It cannot be reused; every attempt
// needs a new Initiator and therefore a fresh ephemeral key.
type Initiator struct {
	cfg  InitiatorConfig
	used atomic.Bool
}

// NewInitiator returns a single-use initiator
func NewInitiator(cfg InitiatorConfig) *Initiator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Hello.Tag == "" {
		cfg.Hello = node.New("hello")
	}
	return &Initiator{cfg: cfg}
}

// Run performs the XX exchange and the confirmation round over conn
func (i *Initiator) Run(ctx context.Context, conn net.Conn) (*Result, error) {
	if !i.used.CompareAndSwap(false, true) {
		return nil, ErrStateUsed
	}
	if i.cfg.Static == nil || len(i.cfg.RootKey) != ed25519.PublicKeySize {
		return nil, failf("initiator needs a static key and a root key")
	}

	release := guard(ctx, conn, i.cfg.Timeout)
	defer release()

	hs, err := newHandshakeState(i.cfg.Static, true)
	if err != nil {
		return nil, failf("init: %v", err)
	}

	// -> e
	hello, err := node.Encode(i.cfg.Hello)
	if err != nil {
		return nil, failf("hello: %v", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, hello)
	if err != nil {
		return nil, failf("hello: %v", err)
	}
	if err := writeNoise(conn, msg); err != nil {
		return nil, failf("send client hello: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, failf("%w", err)
	}

	// <- e, ee, s, es
	msg, err = readNoise(conn)
	if err != nil {
		return nil, failf("read server hello: %w", err)
	}
	certBytes, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, failf("server hello: %v", err)
	}
	certNode, err := node.Decode(certBytes)
	if err != nil {
		return nil, failf("server certificate: %v", err)
	}
	cert, err := ParseCertificate(certNode)
	if err != nil {
		return nil, failf("server certificate: %v", err)
	}
	rs := hs.PeerStatic()
	if err := cert.Verify(i.cfg.RootKey, rs, i.cfg.Now()); err != nil {
		return nil, failf("server certificate: %v", err)
	}
	if i.cfg.Issuer != "" && cert.Issuer != i.cfg.Issuer {
		return nil, failf("server certificate issued by %q", cert.Issuer)
	}
	if err := ctx.Err(); err != nil {
		return nil, failf("%w", err)
	}

	// -> s, se
	payload, err := node.Encode(i.cfg.Payload)
	if err != nil {
		return nil, failf("client payload: %v", err)
	}
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, failf("client finish: %v", err)
	}
	if err := writeNoise(conn, msg); err != nil {
		return nil, failf("send client finish: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, failf("%w", err)
	}

	send, recv := crypto.NewCipherState(cs1), crypto.NewCipherState(cs2)
	h := hs.ChannelBinding()
	if err := writeConfirm(conn, send, h, false); err != nil {
		return nil, failf("send confirm: %w", err)
	}
	if err := readConfirm(conn, recv, h); err != nil {
		return nil, failf("server confirm: %w", err)
	}

	return &Result{
		Send:        send,
		Recv:        recv,
		Hash:        h,
		PeerStatic:  rs,
		Certificate: cert,
	}, nil
}
