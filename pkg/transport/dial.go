// Package transport opens the byte stream a session runs on and wraps it
// in the encrypted framing negotiated by the handshake.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var (
	ErrTransport          = errors.New("transport error")
	ErrUnsupportedAddress = errors.New("unsupported address")
)

// DefaultWebSocketPath is requested when a ws/wss address carries no path
const DefaultWebSocketPath = "/ws/chat"

// Dialer opens connections to multiaddr endpoints such as
// /ip4/127.0.0.1/tcp/5222 or /dns4/chat.example.com/tcp/443/wss.
type Dialer struct {
	Timeout   time.Duration
	Path      string      // WebSocket request path
	TLSConfig *tls.Config // Used for wss
	Header    http.Header // Extra WebSocket handshake headers
}

// Endpoint is a parsed dial target
type Endpoint struct {
	Addr      ma.Multiaddr
	WebSocket bool
	Secure    bool
	Host      string // host:port
}

// ParseEndpoint validates addr and classifies it
func ParseEndpoint(addr string) (*Endpoint, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddress, addr, err)
	}

	ep := &Endpoint{Addr: m}
	if _, err := m.ValueForProtocol(ma.P_WSS); err == nil {
		ep.WebSocket, ep.Secure = true, true
	} else if _, err := m.ValueForProtocol(ma.P_WS); err == nil {
		ep.WebSocket = true
	}

	_, host, err := manet.DialArgs(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddress, addr, err)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return nil, fmt.Errorf("%w: %q has no tcp port", ErrUnsupportedAddress, addr)
	}
	ep.Host = host
	return ep, nil
}

// URL returns the WebSocket URL for ep
func (ep *Endpoint) URL(path string) string {
	if path == "" {
		path = DefaultWebSocketPath
	}
	scheme := "ws"
	if ep.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: ep.Host, Path: path}
	return u.String()
}

// Dial connects to addr. The returned conn carries raw frames; callers run
// the handshake on it before wrapping it in a SecureConn.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if !ep.WebSocket {
		var nd net.Dialer
		network, host, _ := manet.DialArgs(ep.Addr)
		conn, err := nd.DialContext(ctx, network, host)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
		}
		return conn, nil
	}

	wd := websocket.Dialer{
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  d.TLSConfig,
	}
	ws, resp, err := wd.DialContext(ctx, ep.URL(d.Path), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s: %w", ErrTransport, addr, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	return newWSConn(ws), nil
}
