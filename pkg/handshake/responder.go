package handshake

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
)

// ResponderConfig configures the service side
type ResponderConfig struct {
	Static      *crypto.KeyPair
	Certificate *Certificate
	Timeout     time.Duration

	// CorruptConfirm flips a bit of the responder authenticator.
	// Only used for fault injection.
	CorruptConfirm bool
}

// Responder runs one service-side handshake
type Responder struct {
	cfg  ResponderConfig
	used atomic.Bool
}

// NewResponder returns a single-use responder
func NewResponder(cfg ResponderConfig) *Responder {
	return &Responder{cfg: cfg}
}

// Run answers an initiator over conn. On success Result.Hello and
// Result.Payload hold what the initiator sent.
func (r *Responder) Run(ctx context.Context, conn net.Conn) (*Result, error) {
	if !r.used.CompareAndSwap(false, true) {
		return nil, ErrStateUsed
	}
	if r.cfg.Static == nil || r.cfg.Certificate == nil {
		return nil, failf("responder needs a static key and a certificate")
	}

	release := guard(ctx, conn, r.cfg.Timeout)
	defer release()

	hs, err := newHandshakeState(r.cfg.Static, false)
	if err != nil {
		return nil, failf("init: %v", err)
	}

	// -> e
	msg, err := readNoise(conn)
	if err != nil {
		return nil, failf("read client hello: %w", err)
	}
	helloBytes, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, failf("client hello: %v", err)
	}
	hello, err := node.Decode(helloBytes)
	if err != nil {
		return nil, failf("client hello: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, failf("%w", err)
	}

	// <- e, ee, s, es
	cert, err := node.Encode(r.cfg.Certificate.Node())
	if err != nil {
		return nil, failf("certificate: %v", err)
	}
	msg, _, _, err = hs.WriteMessage(nil, cert)
	if err != nil {
		return nil, failf("server hello: %v", err)
	}
	if err := writeNoise(conn, msg); err != nil {
		return nil, failf("send server hello: %w", err)
	}

	// -> s, se
	msg, err = readNoise(conn)
	if err != nil {
		return nil, failf("read client finish: %w", err)
	}
	payloadBytes, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, failf("client finish: %v", err)
	}
	payload, err := node.Decode(payloadBytes)
	if err != nil {
		return nil, failf("client payload: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, failf("%w", err)
	}

	recv, send := crypto.NewCipherState(cs1), crypto.NewCipherState(cs2)
	h := hs.ChannelBinding()
	if err := readConfirm(conn, recv, h); err != nil {
		return nil, failf("client confirm: %w", err)
	}
	if err := writeConfirm(conn, send, h, r.cfg.CorruptConfirm); err != nil {
		return nil, failf("send confirm: %w", err)
	}

	return &Result{
		Send:       send,
		Recv:       recv,
		Hash:       h,
		PeerStatic: hs.PeerStatic(),
		Hello:      hello,
		Payload:    payload,
	}, nil
}
