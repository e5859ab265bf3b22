// Package network is the session engine: it owns the connection to the
// service, runs the handshake and pairing flows, keeps the connection alive
// across failures, correlates requests with replies and dispatches pushes
// to subscribers.
package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/nocksup/pkg/handshake"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/store"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

// Client is one device's session with the service. It holds at most one
// connection at a time and outlives reconnects.
type Client struct {
	cfg     Config
	log     *zap.Logger
	store   store.Store
	dialer  *transport.Dialer
	metrics *Metrics

	events  *dispatcher
	pending *correlator

	ctx    context.Context // Client lifetime, ended by Disconnect
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	changed      chan struct{} // Closed on every transition
	closed       bool
	session      *store.Session
	conn         *transport.SecureConn
	needsPairing bool
	pairing      *pairingAttempt
}

// Info is a snapshot of the client
type Info struct {
	State        State  `json:"-"`
	StateName    string `json:"state"`
	DeviceID     string `json:"device_id"`
	JID          string `json:"jid,omitempty"`
	Endpoint     string `json:"endpoint"`
	NeedsPairing bool   `json:"needs_pairing"`
	Pending      int    `json:"pending_requests"`
	Counter      uint64 `json:"counter"`
}

// NewClient creates a disconnected client. A nil st keeps the session in
// memory only.
func NewClient(cfg Config, st store.Store) (*Client, error) {
	cfg = cfg.withDefaults()
	if _, err := transport.ParseEndpoint(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	if len(cfg.RootKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("root key must be %d bytes, got %d", ed25519.PublicKeySize, len(cfg.RootKey))
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if err := store.ValidateDeviceID(cfg.DeviceID); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	log := cfg.Logger.Named("client").With(zap.String("device", cfg.DeviceID))
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     log,
		store:   st,
		dialer:  &transport.Dialer{Timeout: cfg.DialTimeout, Path: cfg.WebSocketPath},
		metrics: cfg.Metrics,
		events:  newDispatcher(log, cfg.Metrics),
		pending: newCorrelator(cfg.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}, nil
}

// DeviceID returns the local device id
func (c *Client) DeviceID() string {
	return c.cfg.DeviceID
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NeedsPairing reports whether the connection is waiting for a pairing flow
func (c *Client) NeedsPairing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsPairing && c.conn != nil
}

// PendingCount returns the number of requests awaiting a reply
func (c *Client) PendingCount() int {
	return c.pending.count()
}

// Info returns a snapshot for status reporting
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		State:        c.state,
		StateName:    c.state.String(),
		DeviceID:     c.cfg.DeviceID,
		Endpoint:     c.cfg.Endpoint,
		NeedsPairing: c.needsPairing && c.conn != nil,
		Pending:      c.pending.count(),
	}
	if c.session != nil {
		info.JID = c.session.JID
		info.Counter = c.session.Counter
	}
	return info
}

// Subscribe registers h for events of kind. Each subscriber receives events
// in order on its own goroutine. The returned func unsubscribes.
func (c *Client) Subscribe(kind EventKind, h Handler) func() {
	return c.events.subscribe(kind, h)
}

// WaitForState blocks until the client is in want or ctx ends
func (c *Client) WaitForState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		s, ch := c.state, c.changed
		c.mu.Unlock()
		if s == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s, still %s: %w", want, s, ctx.Err())
		}
	}
}

// setStateLocked moves to a new state. Callers hold c.mu. An illegal
// transition is a programming error and panics with *StateError.
func (c *Client) setStateLocked(to State, cause error) {
	from := c.state
	if !CanTransition(from, to) {
		panic(&StateError{From: from, To: to})
	}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	c.metrics.State.Set(float64(to))

	c.log.Info("connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Error(cause))
	c.events.publish(EventConnectionStateChanged, StateChange{From: from, To: to, Err: cause})
}

// advance transitions unless the client was closed
func (c *Client) advance(to State, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.setStateLocked(to, cause)
	return nil
}

// fail moves a live client to Failed
func (c *Client) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateFailed || c.state == StateDisconnected {
		return
	}
	c.setStateLocked(StateFailed, cause)
}

// bind derives a context that also ends when the client is closed
func (c *Client) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Connect opens the connection and authenticates. For an unpaired device it
// returns once the channel is up and NeedsPairing reports true; complete the
// flow with BeginScanPairing or BeginManualPairing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state != StateDisconnected && c.state != StateFailed {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyConnected, s)
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// establish runs one connection attempt. A rejected resumption wipes the
// session and is retried once as a fresh registration.
func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	err := c.connectOnce(ctx)
	if errors.Is(err, ErrSessionInvalidated) {
		c.invalidate(ctx, err)
		err = c.connectOnce(ctx)
	}
	if err != nil && c.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return err
}

func (c *Client) connectOnce(ctx context.Context) error {
	sess, err := c.loadSession(ctx)
	if err != nil {
		return err
	}

	raw, err := c.dialer.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		return err
	}
	if err := c.enterHandshaking(); err != nil {
		_ = raw.Close()
		return err
	}

	payload := registerNode(sess)
	if sess.Paired() {
		payload = loginNode(sess)
	}
	ini := handshake.NewInitiator(handshake.InitiatorConfig{
		Static:  sess.NoiseKey,
		RootKey: c.cfg.RootKey,
		Issuer:  c.cfg.Issuer,
		Hello:   c.hello(),
		Payload: payload,
		Timeout: c.cfg.HandshakeTimeout,
	})
	res, err := ini.Run(ctx, raw)
	if err != nil {
		_ = raw.Close()
		c.metrics.HandshakeFailures.Inc()
		c.log.Warn("handshake failed", zap.Error(err))
		return err
	}

	sc := transport.NewSecureConn(raw, res)
	sc.SetCompressThreshold(max(c.cfg.CompressThreshold, 0))

	result, err := c.readLoginResult(ctx, sc)
	if err != nil {
		_ = sc.Abort()
		return err
	}
	return c.install(sc, sess, res, result)
}

func (c *Client) enterHandshaking() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if c.state != StateHandshaking {
		c.setStateLocked(StateHandshaking, nil)
	}
	return nil
}

func (c *Client) readLoginResult(ctx context.Context, sc *transport.SecureConn) (node.Node, error) {
	_ = sc.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() { _ = sc.SetReadDeadline(time.Now()) })
	n, err := sc.ReadNode()
	stop()
	_ = sc.SetReadDeadline(time.Time{})
	if err != nil {
		if ctx.Err() != nil {
			return node.Node{}, ctx.Err()
		}
		return node.Node{}, fmt.Errorf("awaiting login result: %w", err)
	}

	switch n.Tag {
	case protocol.TagSuccess:
		return n, nil
	case protocol.TagFailure:
		se := &ServerError{Code: n.GetAttr("reason"), Text: n.GetAttr("text")}
		if se.Code == protocol.CodeUnauthorized {
			return node.Node{}, fmt.Errorf("%w: %w", ErrSessionInvalidated, se)
		}
		c.metrics.HandshakeFailures.Inc()
		return node.Node{}, fmt.Errorf("%w: login rejected: %w", handshake.ErrHandshakeFailed, se)
	default:
		c.metrics.HandshakeFailures.Inc()
		return node.Node{}, fmt.Errorf("%w: unexpected <%s> after handshake", handshake.ErrHandshakeFailed, n.Tag)
	}
}

// install makes sc the live connection and starts its goroutines
func (c *Client) install(sc *transport.SecureConn, sess *store.Session, res *handshake.Result, result node.Node) error {
	paired := result.GetAttr("pairing") != "required"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sc.Abort()
		return ErrSessionClosed
	}
	c.conn = sc
	c.session = sess
	sess.ServerStatic = res.PeerStatic
	c.needsPairing = !paired
	if paired {
		sess.LastLogin = time.Now()
		c.setStateLocked(StateAuthenticated, nil)
	}

	connCtx, cancel := context.WithCancel(c.ctx)
	g, gctx := errgroup.WithContext(connCtx)
	context.AfterFunc(gctx, func() { _ = sc.Abort() })
	g.Go(func() error { return c.readLoop(gctx, sc) })
	g.Go(func() error { return c.keepaliveLoop(gctx, sc) })
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := g.Wait()
		cancel()
		c.connectionLost(sc, err)
	}()

	if paired {
		c.log.Info("session resumed", zap.String("jid", sess.JID))
		c.persist(c.ctx)
	} else {
		c.log.Info("registered, pairing required")
	}
	return nil
}

func (c *Client) loadSession(ctx context.Context) (*store.Session, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	sess, err := c.store.Load(ctx, c.cfg.DeviceID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c.log.Info("no stored session, generating device keys")
		if sess, err = store.NewSession(c.cfg.DeviceID); err != nil {
			return nil, err
		}
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.storeFailed("load", err)
		if sess, err = store.NewSession(c.cfg.DeviceID); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.session = sess
	}
	return c.session, nil
}

// persist saves a snapshot of the session. Failures are reported, not returned.
func (c *Client) persist(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	snapshot := *c.session
	c.mu.Unlock()

	if err := c.store.Save(ctx, &snapshot); err != nil {
		return c.storeFailed("save", err)
	}
	return nil
}

func (c *Client) storeFailed(op string, err error) error {
	var se *store.StoreError
	if !errors.As(err, &se) {
		se = &store.StoreError{Op: op, DeviceID: c.cfg.DeviceID, Err: err}
	}
	c.log.Error("session store failure", zap.String("op", op), zap.Error(err))
	c.events.publish(EventError, se)
	return se
}

// invalidate drops the local session after the server rejected it
func (c *Client) invalidate(ctx context.Context, cause error) {
	c.mu.Lock()
	old := c.session
	c.session = nil
	c.needsPairing = false
	c.mu.Unlock()

	info := SessionInvalidated{DeviceID: c.cfg.DeviceID, Reason: cause.Error()}
	if old != nil {
		info.JID = old.JID
	}
	c.log.Warn("session invalidated by server", zap.String("jid", info.JID), zap.Error(cause))
	c.events.publish(EventSessionInvalidated, info)

	if err := c.store.Delete(ctx, c.cfg.DeviceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.storeFailed("delete", err)
	}
	if rs, ok := c.store.(store.RatchetStore); ok {
		if err := rs.DeleteRatchets(ctx, c.cfg.DeviceID); err != nil {
			c.storeFailed("delete ratchets", err)
		}
	}
}

// Disconnect closes the client for good. Pending requests fail with
// ErrSessionClosed. Calling it again has no effect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sc := c.conn
	c.conn = nil
	attempt := c.pairing
	c.pairing = nil
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected, nil)
	}
	c.mu.Unlock()

	if attempt != nil {
		attempt.stop()
	}
	c.pending.close(ErrSessionClosed)
	if sc != nil {
		if err := sc.Close(); err != nil {
			c.log.Debug("close connection", zap.Error(err))
		}
	}
	c.cancel()
	c.wg.Wait()

	var err error
	if c.paired() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.persist(ctx)
		cancel()
	}
	c.events.close()
	return err
}

// Logout unlinks this device from the account, deletes the stored session
// and disconnects.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	var errs []error
	if sess != nil && sess.Paired() {
		req := node.New(protocol.TagIQ, "to", protocol.ServerUser, "type", protocol.IQSet, "xmlns", protocol.XMLNSPairing).
			WithChildren(node.New(protocol.TagRemoveDevice, "jid", sess.JID, "reason", "user_initiated"))
		if _, err := c.Request(ctx, req, 0); err != nil {
			errs = append(errs, fmt.Errorf("remove device: %w", err))
		}
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	if err := c.store.Delete(ctx, c.cfg.DeviceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, c.storeFailed("delete", err))
	}
	if rs, ok := c.store.(store.RatchetStore); ok {
		if err := rs.DeleteRatchets(ctx, c.cfg.DeviceID); err != nil {
			errs = append(errs, c.storeFailed("delete ratchets", err))
		}
	}

	errs = append(errs, c.Disconnect())
	return errors.Join(errs...)
}

func (c *Client) paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.Paired()
}

func (c *Client) activeConn() (*transport.SecureConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrSessionClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// prepare copies n, tags it if needed and advances the outbound counter
func (c *Client) prepare(n node.Node) node.Node {
	n = n.Clone()
	if n.ID() == "" {
		n.SetAttr("id", c.pending.nextTag())
	}
	c.mu.Lock()
	if c.session != nil {
		c.session.Counter++
	}
	c.mu.Unlock()
	return n
}

func (c *Client) write(sc *transport.SecureConn, n node.Node) error {
	if err := sc.WriteNode(n); err != nil {
		return err
	}
	c.metrics.FramesSent.Inc()
	return nil
}

// Send writes n without waiting for a reply and returns its id
func (c *Client) Send(ctx context.Context, n node.Node) (string, error) {
	sc, err := c.activeConn()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n = c.prepare(n)
	if err := c.write(sc, n); err != nil {
		return "", err
	}
	return n.ID(), nil
}

// Request writes n and waits for the reply carrying the same id. A zero
// timeout uses Config.RequestTimeout. Error replies are returned as
// *ServerError alongside the reply node.
func (c *Client) Request(ctx context.Context, n node.Node, timeout time.Duration) (node.Node, error) {
	sc, err := c.activeConn()
	if err != nil {
		return node.Node{}, err
	}
	return c.request(ctx, sc, n, timeout)
}

func (c *Client) request(ctx context.Context, sc *transport.SecureConn, n node.Node, timeout time.Duration) (node.Node, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	n = c.prepare(n)
	tag := n.ID()

	// registered before the write so a fast reply always finds its record
	p, err := c.pending.register(tag)
	if err != nil {
		return node.Node{}, err
	}
	if err := c.write(sc, n); err != nil {
		c.pending.remove(tag)
		return node.Node{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.done:
		return r.node, r.err
	case <-timer.C:
		if c.pending.remove(tag) {
			c.metrics.RequestTimeouts.Inc()
			return node.Node{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, tag, timeout)
		}
	case <-ctx.Done():
		if c.pending.remove(tag) {
			return node.Node{}, ctx.Err()
		}
	}
	// resolved concurrently with the timeout
	r := <-p.done
	return r.node, r.err
}
