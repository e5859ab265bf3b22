package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Listener accepts raw connections on a multiaddr. For ws addresses it
// runs an HTTP server and upgrades requests on Path.
type Listener struct {
	addr ma.Multiaddr
	ln   net.Listener

	// websocket mode
	srv    *http.Server
	conns  chan net.Conn
	done   chan struct{}
	closed sync.Once
}

// Listen binds addr, e.g. /ip4/127.0.0.1/tcp/0 or /ip4/0.0.0.0/tcp/8080/ws
func Listen(addr, path string) (*Listener, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	if ep.Secure {
		return nil, fmt.Errorf("%w: wss listeners need a TLS terminator", ErrUnsupportedAddress)
	}

	network, host, _ := manet.DialArgs(ep.Addr)
	mln, err := manet.Listen(tcpPart(ep.Addr, network, host))
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrTransport, addr, err)
	}

	l := &Listener{
		addr: mln.Multiaddr(),
		ln:   manet.NetListener(mln),
		done: make(chan struct{}),
	}
	if !ep.WebSocket {
		return l, nil
	}

	l.addr = l.addr.Encapsulate(ma.StringCast("/ws"))
	l.conns = make(chan net.Conn)
	if path == "" {
		path = DefaultWebSocketPath
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case l.conns <- newWSConn(ws):
		case <-l.done:
			ws.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = l.srv.Serve(l.ln)
	}()
	return l, nil
}

// tcpPart strips transport suffixes such as /ws so manet can bind the socket
func tcpPart(m ma.Multiaddr, network, host string) ma.Multiaddr {
	tcpAddr, err := net.ResolveTCPAddr(network, host)
	if err != nil {
		return m
	}
	out, err := manet.FromNetAddr(tcpAddr)
	if err != nil {
		return m
	}
	return out
}

// Accept waits for the next connection
func (l *Listener) Accept() (net.Conn, error) {
	if l.srv == nil {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("%w: accept: %w", ErrTransport, err)
		}
		return conn, nil
	}

	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: accept: %w", ErrTransport, net.ErrClosed)
	}
}

// Close stops accepting
func (l *Listener) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.done)
		if l.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = l.srv.Shutdown(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				err = l.srv.Close()
			}
			return
		}
		err = l.ln.Close()
	})
	return err
}

// Addr returns the bound network address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Multiaddr returns the bound address, with the real port when :0 was requested
func (l *Listener) Multiaddr() ma.Multiaddr {
	return l.addr
}
