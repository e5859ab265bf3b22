// Package handshake implements the Noise XX key agreement that opens every
// connection, plus the server certificate that authenticates the responder.
package handshake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrStateUsed       = errors.New("handshake state already used")
)

// DefaultTimeout bounds a whole handshake when the caller sets none
const DefaultTimeout = 20 * time.Second

var confirmLabel = []byte("confirm")

// Result is the outcome of a completed handshake
type Result struct {
	Send        *crypto.CipherState // Keys for frames we write
	Recv        *crypto.CipherState // Keys for frames we read
	Hash        []byte              // Session binding hash
	PeerStatic  []byte              // Remote static public key
	Hello       node.Node           // Initiator metadata, responder side only
	Payload     node.Node           // Login or register stanza, responder side only
	Certificate *Certificate        // Server certificate, initiator side only
}

func failf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrHandshakeFailed}, args...)...)
}

// guard applies the deadline and unblocks conn when ctx is cancelled.
// The returned func restores the connection.
func guard(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func writeMessage(w io.Writer, msg node.Node) error {
	data, err := node.Encode(msg)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, protocol.FrameHandshake, 0, data)
}

func readMessage(r io.Reader) (node.Node, error) {
	h, payload, err := protocol.ReadFrame(r)
	if err != nil {
		return node.Node{}, err
	}
	if h.Type != protocol.FrameHandshake {
		return node.Node{}, fmt.Errorf("unexpected %s frame", h.Type)
	}
	msg, err := node.Decode(payload)
	if err != nil {
		return node.Node{}, err
	}
	if msg.Tag != "handshake" {
		return node.Node{}, fmt.Errorf("unexpected <%s>", msg.Tag)
	}
	return msg, nil
}

func field(msg node.Node, tag string) ([]byte, error) {
	b, ok := msg.ChildContent(tag)
	if !ok {
		return nil, fmt.Errorf("missing <%s>", tag)
	}
	return b, nil
}

func confirmation(h []byte) []byte {
	out := make([]byte, 0, len(confirmLabel)+len(h))
	return append(append(out, confirmLabel...), h...)
}

func writeConfirm(w io.Writer, cs *crypto.CipherState, h []byte, corrupt bool) error {
	sealed, err := cs.Encrypt(nil, confirmation(h))
	if err != nil {
		return err
	}
	if corrupt {
		sealed[len(sealed)-1] ^= 0x01
	}
	return writeMessage(w, node.New("handshake").WithChildren(node.Node{Tag: "confirm", Content: sealed}))
}

func readConfirm(r io.Reader, cs *crypto.CipherState, h []byte) error {
	msg, err := readMessage(r)
	if err != nil {
		return err
	}
	sealed, err := field(msg, "confirm")
	if err != nil {
		return err
	}
	got, err := cs.Decrypt(nil, sealed)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	if subtle.ConstantTimeCompare(got, confirmation(h)) != 1 {
		return fmt.Errorf("authenticator does not match transcript")
	}
	return nil
}
