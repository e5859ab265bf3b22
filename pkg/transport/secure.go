package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/handshake"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

var (
	ErrPeerClosed = errors.New("connection closed by peer")
	ErrUnsealed   = errors.New("data frame is not sealed")
)

// DefaultCompressThreshold is the encoded size above which nodes are
// zlib-compressed before sealing
const DefaultCompressThreshold = 8 << 10

// SecureConn carries nodes over a connection whose keys were negotiated by
// a handshake. Writes are serialized; ReadNode must have a single caller.
type SecureConn struct {
	conn net.Conn

	wmu  sync.Mutex
	send *crypto.CipherState

	recv *crypto.CipherState

	compressThreshold int
	framesIn          atomic.Uint64
	framesOut         atomic.Uint64
	closeOnce         sync.Once
	closeErr          error
}

// NewSecureConn takes ownership of conn and the cipher states in res
func NewSecureConn(conn net.Conn, res *handshake.Result) *SecureConn {
	return &SecureConn{
		conn:              conn,
		send:              res.Send,
		recv:              res.Recv,
		compressThreshold: DefaultCompressThreshold,
	}
}

// SetCompressThreshold changes when outbound nodes get compressed; 0 disables
func (c *SecureConn) SetCompressThreshold(n int) {
	c.wmu.Lock()
	c.compressThreshold = n
	c.wmu.Unlock()
}

// WriteNode encodes, seals and writes n as one data frame
func (c *SecureConn) WriteNode(n node.Node) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	payload, err := node.Marshal(n)
	if err != nil {
		return err
	}
	if c.compressThreshold > 0 && len(payload) > c.compressThreshold {
		if payload, err = node.MarshalCompressed(n); err != nil {
			return err
		}
	}

	// rejected before sealing so the send nonce stays in step with the peer
	if size := len(payload) + c.send.Overhead(); size > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: sealed size %d exceeds frame limit %d", node.ErrInvalidNode, size, protocol.MaxPayloadSize)
	}

	sealed, err := c.send.Encrypt(nil, payload)
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("%w: seal: %w", ErrTransport, err)
	}
	if err := protocol.WriteFrame(c.conn, protocol.FrameData, protocol.FlagEncrypted, sealed); err != nil {
		// the nonce is spent, so the channel cannot continue. Close holds
		// wmu inside closeOnce, so the socket is closed directly here.
		_ = c.conn.Close()
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	c.framesOut.Add(1)
	return nil
}

// ReadNode blocks for the next data frame and decodes it. Decryption and
// decoding failures are fatal for the connection.
func (c *SecureConn) ReadNode() (node.Node, error) {
	for {
		h, payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return node.Node{}, fmt.Errorf("%w: %w", ErrTransport, io.EOF)
			}
			return node.Node{}, fmt.Errorf("%w: read: %w", ErrTransport, err)
		}

		switch h.Type {
		case protocol.FrameClose:
			return node.Node{}, fmt.Errorf("%w: %w", ErrTransport, ErrPeerClosed)
		case protocol.FrameHandshake:
			// stray handshake frames after the session is up are dropped
			continue
		}
		if !h.HasFlag(protocol.FlagEncrypted) {
			return node.Node{}, fmt.Errorf("%w: %w", ErrTransport, ErrUnsealed)
		}

		plain, err := c.recv.Decrypt(nil, payload)
		if err != nil {
			return node.Node{}, fmt.Errorf("%w: open frame %d: %w", ErrTransport, c.recv.Counter(), err)
		}
		c.framesIn.Add(1)
		return node.Unmarshal(plain)
	}
}

// SetReadDeadline bounds the next ReadNode
func (c *SecureConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *SecureConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.wmu.Lock()
		_ = protocol.WriteFrame(c.conn, protocol.FrameClose, 0, nil)
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Abort closes the socket without the close frame, as after a protocol error
func (c *SecureConn) Abort() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Stats reports frames written and read
func (c *SecureConn) Stats() (out, in uint64) {
	return c.framesOut.Load(), c.framesIn.Load()
}

// RemoteAddr returns the peer address
func (c *SecureConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
