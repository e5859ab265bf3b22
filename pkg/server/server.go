// Package server is a self-contained implementation of the service side of
// the protocol. It backs the integration tests and cmd/mock-server.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/handshake"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrNotOnline      = errors.New("device not connected")
	ErrUnknownPairing = errors.New("unknown pairing reference or code")
	ErrUnauthorized   = errors.New("unauthorized")

	// ErrDeferred is returned by a HandlerFunc that replies later via Peer.Send
	ErrDeferred = errors.New("reply deferred")
)

// Config holds server settings
type Config struct {
	ListenAddr       string // Multiaddr; append /ws for WebSocket
	WebSocketPath    string
	RootKey          ed25519.PrivateKey // Signs the certificate; generated when nil
	Issuer           string
	CertificateTTL   time.Duration
	HandshakeTimeout time.Duration
	AutoConfirm      time.Duration // Confirm pairings by itself after this delay, 0 waits for ConfirmPairing
	LinkCode         func() string // Manual pairing code source; random when nil
	Logger           *zap.Logger
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "/ip4/127.0.0.1/tcp/5222",
		WebSocketPath:    transport.DefaultWebSocketPath,
		Issuer:           "nocksup",
		CertificateTTL:   24 * time.Hour,
		HandshakeTimeout: handshake.DefaultTimeout,
	}
}

// Device is a registered companion device
type Device struct {
	ID             string
	JID            string // Empty until paired
	NoiseKey       []byte
	IdentityKey    []byte
	RegistrationID uint32
	RegisteredAt   time.Time
}

// Paired reports whether the device completed pairing
func (d *Device) Paired() bool {
	return d.JID != ""
}

// HandlerFunc answers an iq for a namespace. The returned node becomes the
// body of the result; an error becomes an error reply.
type HandlerFunc func(p *Peer, iq node.Node) (node.Node, error)

// Stats are server counters
type Stats struct {
	Connections   int
	Logins        uint64
	Registrations uint64
	Acks          uint64
	Pings         uint64
}

// Server accepts client connections and speaks the service protocol
type Server struct {
	cfg     Config
	log     *zap.Logger
	static  *crypto.KeyPair
	cert    *handshake.Certificate
	account *crypto.IdentityKeyPair // Key of the simulated primary device

	ctx      context.Context
	cancel   context.CancelFunc
	listener *transport.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	devices  map[string]*Device
	peers    map[string]*Peer
	pairings map[string]*pendingPairing
	confirms map[string]confirmation
	waiters  map[string]chan node.Node
	handlers map[string]HandlerFunc
	nextUser uint64

	tags           atomic.Uint64
	corruptConfirm atomic.Bool
	corruptPairing atomic.Bool
	dropPings      atomic.Bool
	logins         atomic.Uint64
	registrations  atomic.Uint64
	acks           atomic.Uint64
	pings          atomic.Uint64
}

// New creates a server with fresh static and account keys
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = def.WebSocketPath
	}
	if cfg.CertificateTTL <= 0 {
		cfg.CertificateTTL = def.CertificateTTL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RootKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		cfg.RootKey = priv
	}

	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	account, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("server"),
		static:   static,
		cert:     handshake.IssueCertificate(cfg.RootKey, cfg.Issuer, static.Public, time.Now().Add(cfg.CertificateTTL)),
		account:  account,
		ctx:      ctx,
		cancel:   cancel,
		devices:  make(map[string]*Device),
		peers:    make(map[string]*Peer),
		pairings: make(map[string]*pendingPairing),
		confirms: make(map[string]confirmation),
		waiters:  make(map[string]chan node.Node),
		handlers: make(map[string]HandlerFunc),
		nextUser: 15550000000,
	}, nil
}

// RootPublicKey is the trust anchor clients must be configured with
func (s *Server) RootPublicKey() ed25519.PublicKey {
	return s.cfg.RootKey.Public().(ed25519.PublicKey)
}

// AccountPublicKey is the key that signs paired devices
func (s *Server) AccountPublicKey() []byte {
	return s.account.PublicKey
}

// Start listens on cfg.ListenAddr and serves in the background
func (s *Server) Start() error {
	l, err := transport.Listen(s.cfg.ListenAddr, s.cfg.WebSocketPath)
	if err != nil {
		return err
	}
	s.listener = l
	s.log.Info("listening", zap.String("addr", l.Multiaddr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the multiaddr clients should dial
func (s *Server) Addr() string {
	return s.listener.Multiaddr().String()
}

// Close stops accepting, drops every connection and waits for handlers
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, p := range s.peers {
		_ = p.conn.Abort()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))

	r := handshake.NewResponder(handshake.ResponderConfig{
		Static:         s.static,
		Certificate:    s.cert,
		Timeout:        s.cfg.HandshakeTimeout,
		CorruptConfirm: s.corruptConfirm.Load(),
	})
	res, err := r.Run(s.ctx, conn)
	if err != nil {
		log.Info("handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	p := &Peer{server: s, conn: transport.NewSecureConn(conn, res), static: res.PeerStatic, log: log}
	if err := s.authenticate(p, res.Payload); err != nil {
		log.Info("authentication failed", zap.Error(err))
		_ = p.conn.Close()
		return
	}
	p.log = log.With(zap.String("device", p.deviceID))
	p.readLoop()
	s.detach(p)
}

// tag returns an id for server-initiated requests
func (s *Server) tag() string {
	return "srv." + strconv.FormatUint(s.tags.Add(1), 10)
}

// Handle routes iq stanzas with the given xmlns to fn
func (s *Server) Handle(xmlns string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[xmlns] = fn
}

// Device returns a copy of a registered device
func (s *Server) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Online reports whether the device has a live connection
func (s *Server) Online(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

// Stats returns a snapshot of the counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := len(s.peers)
	s.mu.Unlock()
	return Stats{
		Connections:   conns,
		Logins:        s.logins.Load(),
		Registrations: s.registrations.Load(),
		Acks:          s.acks.Load(),
		Pings:         s.pings.Load(),
	}
}

// SetCorruptConfirm makes later handshakes send a corrupted authenticator
func (s *Server) SetCorruptConfirm(on bool) { s.corruptConfirm.Store(on) }

// SetCorruptPairing makes later pair-success pushes carry a bad signature
func (s *Server) SetCorruptPairing(on bool) { s.corruptPairing.Store(on) }

// SetDropPings makes the server ignore keepalive pings
func (s *Server) SetDropPings(on bool) { s.dropPings.Store(on) }

// Request sends an iq to a device and waits for its reply
func (s *Server) Request(ctx context.Context, deviceID string, iq node.Node) (node.Node, error) {
	p, err := s.peer(deviceID)
	if err != nil {
		return node.Node{}, err
	}
	iq = iq.Clone()
	tag := s.tag()
	iq.SetAttr("id", tag)
	ch := make(chan node.Node, 1)

	s.mu.Lock()
	s.waiters[tag] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, tag)
		s.mu.Unlock()
	}()

	if err := p.Send(iq); err != nil {
		return node.Node{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return node.Node{}, ctx.Err()
	}
}

// Ping checks that a device answers server pings
func (s *Server) Ping(ctx context.Context, deviceID string) error {
	reply, err := s.Request(ctx, deviceID,
		node.New(protocol.TagIQ, "from", protocol.ServerUser, "type", protocol.IQGet, "xmlns", protocol.XMLNSPing))
	if err != nil {
		return err
	}
	if t := reply.GetAttr("type"); t != protocol.IQResult {
		return fmt.Errorf("ping answered with type %q", t)
	}
	return nil
}

// Push sends n to the live connection of the device with the given JID
func (s *Server) Push(jid string, n node.Node) error {
	p, err := s.peerByJID(jid)
	if err != nil {
		return err
	}
	return p.Send(n)
}

// Invalidate forgets a device and tells its live connection to re-pair
func (s *Server) Invalidate(deviceID string) error {
	s.mu.Lock()
	_, known := s.devices[deviceID]
	delete(s.devices, deviceID)
	p := s.peers[deviceID]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if p != nil {
		p.endStream(protocol.CodeUnauthorized)
	}
	return nil
}

// Restart asks the device to reconnect
func (s *Server) Restart(deviceID string) error {
	p, err := s.peer(deviceID)
	if err != nil {
		return err
	}
	p.endStream(protocol.CodeRestartRequired)
	return nil
}

// Kick drops the device's connection without any goodbye
func (s *Server) Kick(deviceID string) error {
	p, err := s.peer(deviceID)
	if err != nil {
		return err
	}
	return p.conn.Abort()
}

func (s *Server) peer(deviceID string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOnline, deviceID)
	}
	return p, nil
}

func (s *Server) peerByJID(jid string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if d := s.devices[id]; d != nil && d.JID == jid {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotOnline, jid)
}

// attach registers p as the device's live connection, replacing any older one
func (s *Server) attach(p *Peer) {
	s.mu.Lock()
	old := s.peers[p.deviceID]
	s.peers[p.deviceID] = p
	s.mu.Unlock()
	if old != nil {
		old.endStream(protocol.CodeConflict)
	}
}

func (s *Server) detach(p *Peer) {
	s.mu.Lock()
	if s.peers[p.deviceID] == p {
		delete(s.peers, p.deviceID)
	}
	for key, pp := range s.pairings {
		if pp.deviceID == p.deviceID {
			delete(s.pairings, key)
		}
	}
	s.mu.Unlock()
	p.log.Info("disconnected")
}
