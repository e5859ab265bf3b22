package handshake

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
)

type fixture struct {
	rootPub     ed25519.PublicKey
	rootPriv    ed25519.PrivateKey
	serverKey   *crypto.KeyPair
	clientKey   *crypto.KeyPair
	certificate *Certificate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	serverKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	clientKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &fixture{
		rootPub:     rootPub,
		rootPriv:    rootPriv,
		serverKey:   serverKey,
		clientKey:   clientKey,
		certificate: IssueCertificate(rootPriv, "test-root", serverKey.Public, time.Now().Add(time.Hour)),
	}
}

type outcome struct {
	res *Result
	err error
}

func run(t *testing.T, ctx context.Context, ic InitiatorConfig, rc ResponderConfig) (outcome, outcome) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	serverDone := make(chan outcome, 1)
	go func() {
		res, err := NewResponder(rc).Run(ctx, serverConn)
		if err != nil {
			serverConn.Close()
		}
		serverDone <- outcome{res, err}
	}()

	res, err := NewInitiator(ic).Run(ctx, clientConn)
	if err != nil {
		clientConn.Close()
	}
	client := outcome{res, err}

	select {
	case server := <-serverDone:
		return client, server
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not finish")
		return client, outcome{}
	}
}

func (f *fixture) initiator() InitiatorConfig {
	return InitiatorConfig{
		Static:  f.clientKey,
		RootKey: f.rootPub,
		Hello:   node.New("hello", "version", "1.0.0", "platform", "go"),
		Payload: node.New("login", "device-id", "dev-1", "jid", "15551234567@s.whatsapp.net"),
		Timeout: 2 * time.Second,
	}
}

func (f *fixture) responder() ResponderConfig {
	return ResponderConfig{
		Static:      f.serverKey,
		Certificate: f.certificate,
		Timeout:     2 * time.Second,
	}
}

func TestHandshakeSuccess(t *testing.T) {
	f := newFixture(t)
	ic := f.initiator()

	client, server := run(t, context.Background(), ic, f.responder())
	require.NoError(t, client.err)
	require.NoError(t, server.err)

	assert.Equal(t, client.res.Hash, server.res.Hash)
	assert.Equal(t, f.serverKey.Public, client.res.PeerStatic)
	assert.Equal(t, f.clientKey.Public, server.res.PeerStatic)
	assert.Equal(t, "test-root", client.res.Certificate.Issuer)
	assert.True(t, node.Equal(ic.Payload, server.res.Payload))
	assert.Equal(t, "go", server.res.Hello.GetAttr("platform"))

	// confirm consumed nonce 0 in each direction
	assert.Equal(t, uint64(1), client.res.Send.Counter())
	assert.Equal(t, uint64(1), server.res.Recv.Counter())

	ct, err := client.res.Send.Encrypt(nil, []byte("up"))
	require.NoError(t, err)
	pt, err := server.res.Recv.Decrypt(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("up"), pt)

	ct, err = server.res.Send.Encrypt(nil, []byte("down"))
	require.NoError(t, err)
	pt, err = client.res.Recv.Decrypt(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("down"), pt)
}

func TestHandshakeFreshEphemeralPerAttempt(t *testing.T) {
	f := newFixture(t)

	first, _ := run(t, context.Background(), f.initiator(), f.responder())
	second, _ := run(t, context.Background(), f.initiator(), f.responder())
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	assert.False(t, bytes.Equal(first.res.Hash, second.res.Hash))
}

func TestHandshakeCorruptedAuthenticator(t *testing.T) {
	f := newFixture(t)
	rc := f.responder()
	rc.CorruptConfirm = true

	for i := 0; i < 10; i++ {
		client, _ := run(t, context.Background(), f.initiator(), rc)
		require.Error(t, client.err)
		assert.ErrorIs(t, client.err, ErrHandshakeFailed)
		assert.Nil(t, client.res)
	}
}

func TestHandshakeRejectsBadCertificate(t *testing.T) {
	f := newFixture(t)
	otherPub, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(ic *InitiatorConfig, rc *ResponderConfig)
	}{
		{
			name: "unknown root",
			mutate: func(ic *InitiatorConfig, rc *ResponderConfig) {
				ic.RootKey = otherPub
			},
		},
		{
			name: "expired",
			mutate: func(ic *InitiatorConfig, rc *ResponderConfig) {
				rc.Certificate = IssueCertificate(f.rootPriv, "test-root", f.serverKey.Public, time.Now().Add(-time.Minute))
			},
		},
		{
			name: "certificate for another key",
			mutate: func(ic *InitiatorConfig, rc *ResponderConfig) {
				rc.Certificate = IssueCertificate(f.rootPriv, "test-root", otherKey.Public, time.Now().Add(time.Hour))
			},
		},
		{
			name: "signed by another root",
			mutate: func(ic *InitiatorConfig, rc *ResponderConfig) {
				rc.Certificate = IssueCertificate(otherPriv, "test-root", f.serverKey.Public, time.Now().Add(time.Hour))
			},
		},
		{
			name: "unexpected issuer",
			mutate: func(ic *InitiatorConfig, rc *ResponderConfig) {
				ic.Issuer = "someone-else"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic, rc := f.initiator(), f.responder()
			tt.mutate(&ic, &rc)

			client, server := run(t, context.Background(), ic, rc)
			assert.ErrorIs(t, client.err, ErrHandshakeFailed)
			assert.Error(t, server.err)
		})
	}
}

func TestHandshakePrologueMismatch(t *testing.T) {
	f := newFixture(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewResponder(f.responder()).Run(context.Background(), serverConn)
		serverConn.Close()
		done <- err
	}()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		Prologue:      []byte{'W', 'A', 5, 3},
		StaticKeypair: noise.DHKey{Private: f.clientKey.Private, Public: f.clientKey.Public},
	})
	require.NoError(t, err)

	hello, err := node.Encode(node.New("hello"))
	require.NoError(t, err)
	msg, _, _, err := hs.WriteMessage(nil, hello)
	require.NoError(t, err)
	require.NoError(t, writeNoise(clientConn, msg))

	msg, err = readNoise(clientConn)
	require.NoError(t, err)
	// the server static is sealed under a transcript that includes the prologue
	_, _, _, err = hs.ReadMessage(nil, msg)
	assert.Error(t, err)

	clientConn.Close()
	assert.ErrorIs(t, <-done, ErrHandshakeFailed)
}

func TestHandshakeStateSingleUse(t *testing.T) {
	f := newFixture(t)
	ini := NewInitiator(f.initiator())

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	b.Close()

	_, err := ini.Run(context.Background(), a)
	require.Error(t, err)

	_, err = ini.Run(context.Background(), a)
	assert.ErrorIs(t, err, ErrStateUsed)
}

func TestHandshakeCancellation(t *testing.T) {
	f := newFixture(t)
	clientConn, silent := net.Pipe()
	defer clientConn.Close()
	defer silent.Close()

	// drain the client hello and never answer
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := silent.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := NewInitiator(f.initiator()).Run(ctx, clientConn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandshakeTimeout(t *testing.T) {
	f := newFixture(t)
	clientConn, silent := net.Pipe()
	defer clientConn.Close()
	defer silent.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := silent.Read(buf); err != nil {
				return
			}
		}
	}()

	ic := f.initiator()
	ic.Timeout = 50 * time.Millisecond

	_, err := NewInitiator(ic).Run(context.Background(), clientConn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	var netErr net.Error
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "got %v", err)
}

func TestCertificateNodeRoundTrip(t *testing.T) {
	f := newFixture(t)

	parsed, err := ParseCertificate(f.certificate.Node())
	require.NoError(t, err)
	assert.Equal(t, f.certificate.Issuer, parsed.Issuer)
	assert.True(t, f.certificate.Expires.Equal(parsed.Expires))
	require.NoError(t, parsed.Verify(f.rootPub, f.serverKey.Public, time.Now()))

	_, err = ParseCertificate(node.New("cert", "expires", "soon"))
	assert.Error(t, err)
}
