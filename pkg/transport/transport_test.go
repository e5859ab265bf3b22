package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/handshake"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		addr      string
		host      string
		websocket bool
		secure    bool
		wantErr   bool
	}{
		{name: "tcp", addr: "/ip4/127.0.0.1/tcp/5222", host: "127.0.0.1:5222"},
		{name: "ipv6", addr: "/ip6/::1/tcp/5222", host: "[::1]:5222"},
		{name: "websocket", addr: "/ip4/10.0.0.1/tcp/80/ws", host: "10.0.0.1:80", websocket: true},
		{name: "secure websocket", addr: "/dns4/chat.example.com/tcp/443/wss", host: "chat.example.com:443", websocket: true, secure: true},
		{name: "garbage", addr: "chat.example.com:443", wantErr: true},
		{name: "no port", addr: "/ip4/127.0.0.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.addr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, ep.Host)
			assert.Equal(t, tt.websocket, ep.WebSocket)
			assert.Equal(t, tt.secure, ep.Secure)
		})
	}
}

func TestEndpointURL(t *testing.T) {
	ep, err := ParseEndpoint("/dns4/chat.example.com/tcp/443/wss")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com:443/ws/chat", ep.URL(""))
	assert.Equal(t, "wss://chat.example.com:443/custom", ep.URL("/custom"))
}

type keys struct {
	root   ed25519.PrivateKey
	rootPb ed25519.PublicKey
	server *crypto.KeyPair
	client *crypto.KeyPair
}

func newKeys(t *testing.T) keys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	server, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return keys{root: priv, rootPb: pub, server: server, client: client}
}

// securePair runs a handshake across a listener and a dialed conn
func securePair(t *testing.T, listenAddr string) (*SecureConn, *SecureConn) {
	t.Helper()
	k := newKeys(t)

	l, err := Listen(listenAddr, "")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	type accepted struct {
		conn *SecureConn
		err  error
	}
	serverSide := make(chan accepted, 1)
	go func() {
		raw, err := l.Accept()
		if err != nil {
			serverSide <- accepted{err: err}
			return
		}
		res, err := handshake.NewResponder(handshake.ResponderConfig{
			Static:      k.server,
			Certificate: handshake.IssueCertificate(k.root, "test", k.server.Public, time.Now().Add(time.Hour)),
		}).Run(context.Background(), raw)
		if err != nil {
			raw.Close()
			serverSide <- accepted{err: err}
			return
		}
		serverSide <- accepted{conn: NewSecureConn(raw, res)}
	}()

	d := &Dialer{Timeout: 2 * time.Second}
	raw, err := d.Dial(context.Background(), l.Multiaddr().String())
	require.NoError(t, err)

	res, err := handshake.NewInitiator(handshake.InitiatorConfig{
		Static:  k.client,
		RootKey: k.rootPb,
		Payload: node.New("login"),
	}).Run(context.Background(), raw)
	require.NoError(t, err)
	client := NewSecureConn(raw, res)

	srv := <-serverSide
	require.NoError(t, srv.err)

	t.Cleanup(func() {
		client.Abort()
		srv.conn.Abort()
	})
	return client, srv.conn
}

func TestSecureConnTCP(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0")
	exchange(t, client, server)
}

func TestSecureConnWebSocket(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0/ws")
	exchange(t, client, server)
}

func exchange(t *testing.T, client, server *SecureConn) {
	t.Helper()

	small := node.New("iq", "id", "1.1", "type", "get", "xmlns", "urn:xmpp:ping")
	large := node.New("message", "id", "2").WithContent(bytes.Repeat([]byte("compress me "), 2000))

	for _, n := range []node.Node{small, large} {
		require.NoError(t, client.WriteNode(n))
		got, err := server.ReadNode()
		require.NoError(t, err)
		assert.True(t, node.Equal(n, got), "got %s", got)
	}

	reply := node.New("iq", "id", "1.1", "type", "result")
	require.NoError(t, server.WriteNode(reply))
	got, err := client.ReadNode()
	require.NoError(t, err)
	assert.True(t, node.Equal(reply, got))

	out, in := client.Stats()
	assert.Equal(t, uint64(2), out)
	assert.Equal(t, uint64(1), in)
}

func TestSecureConnCloseFrame(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0")

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := server.ReadNode()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestSecureConnAbortIsEOF(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0")

	require.NoError(t, client.Abort())

	_, err := server.ReadNode()
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, errors.Is(err, ErrPeerClosed))
}

func TestSecureConnRejectsOversizedNode(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0")

	// random bytes do not compress below the frame limit
	huge := make([]byte, 17<<20)
	_, err := rand.Read(huge)
	require.NoError(t, err)

	err = client.WriteNode(node.New("message", "id", "big").WithContent(huge))
	assert.ErrorIs(t, err, node.ErrInvalidNode)
	assert.False(t, errors.Is(err, ErrTransport))

	// the channel is still usable afterwards
	small := node.New("iq", "id", "1.2", "type", "get")
	require.NoError(t, client.WriteNode(small))
	got, err := server.ReadNode()
	require.NoError(t, err)
	assert.True(t, node.Equal(small, got), "got %s", got)

	out, _ := client.Stats()
	assert.Equal(t, uint64(1), out)
}

func TestSecureConnRejectsUnsealedDataFrame(t *testing.T) {
	client, server := securePair(t, "/ip4/127.0.0.1/tcp/0")

	raw, err := node.Marshal(node.New("iq", "id", "1.3", "type", "get"))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(client.conn, protocol.FrameData, 0, raw))

	_, err = server.ReadNode()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrUnsealed)
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	d := &Dialer{Timeout: time.Second}
	_, err = d.Dial(context.Background(), "/ip4/127.0.0.1/tcp/"+strconv.Itoa(addr.Port))
	assert.ErrorIs(t, err, ErrTransport)
}
