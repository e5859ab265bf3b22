package server

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

// Peer is one authenticated client connection
type Peer struct {
	server   *Server
	conn     *transport.SecureConn
	static   []byte
	deviceID string
	log      *zap.Logger
}

// DeviceID returns the id the peer registered or logged in with
func (p *Peer) DeviceID() string {
	return p.deviceID
}

// Send writes n to the peer
func (p *Peer) Send(n node.Node) error {
	return p.conn.WriteNode(n)
}

// endStream sends a stream:error and closes the connection
func (p *Peer) endStream(code string) {
	if err := p.Send(node.New(protocol.TagStreamError, "code", code)); err != nil {
		p.log.Debug("stream error not delivered", zap.Error(err))
	}
	_ = p.conn.Close()
}

func (s *Server) authenticate(p *Peer, payload node.Node) error {
	switch payload.Tag {
	case protocol.TagLogin:
		return s.login(p, payload)
	case protocol.TagRegister:
		return s.register(p, payload)
	default:
		_ = p.Send(node.New(protocol.TagFailure, "reason", protocol.CodeBadRequest))
		return fmt.Errorf("unexpected <%s> payload", payload.Tag)
	}
}

func (s *Server) login(p *Peer, payload node.Node) error {
	id := payload.GetAttr("device-id")

	s.mu.Lock()
	d := s.devices[id]
	ok := d != nil && d.Paired() &&
		d.JID == payload.GetAttr("jid") &&
		bytes.Equal(d.NoiseKey, p.static)
	jid := ""
	if ok {
		jid = d.JID
	}
	s.mu.Unlock()

	if !ok {
		_ = p.Send(node.New(protocol.TagFailure, "reason", protocol.CodeUnauthorized))
		return fmt.Errorf("%w: login for %q", ErrUnauthorized, id)
	}

	p.deviceID = id
	s.attach(p)
	s.logins.Add(1)
	p.log.Info("device logged in", zap.String("device", id), zap.String("jid", jid))
	return p.Send(node.New(protocol.TagSuccess, "t", strconv.FormatInt(time.Now().Unix(), 10), "jid", jid))
}

func (s *Server) register(p *Peer, payload node.Node) error {
	d, err := parseRegistration(payload)
	if err != nil {
		_ = p.Send(node.New(protocol.TagFailure, "reason", protocol.CodeBadRequest))
		return err
	}
	d.NoiseKey = p.static
	d.RegisteredAt = time.Now()

	s.mu.Lock()
	if old := s.devices[d.ID]; old != nil && old.Paired() && !bytes.Equal(old.NoiseKey, d.NoiseKey) {
		s.mu.Unlock()
		_ = p.Send(node.New(protocol.TagFailure, "reason", protocol.CodeConflict))
		return fmt.Errorf("%w: device id %q is taken", ErrUnauthorized, d.ID)
	}
	s.devices[d.ID] = d
	s.mu.Unlock()

	p.deviceID = d.ID
	s.attach(p)
	s.registrations.Add(1)
	p.log.Info("device registered", zap.String("device", d.ID))
	return p.Send(node.New(protocol.TagSuccess, "t", strconv.FormatInt(time.Now().Unix(), 10), "pairing", "required"))
}

func parseRegistration(n node.Node) (*Device, error) {
	id := n.GetAttr("device-id")
	if id == "" {
		return nil, errors.New("register without device-id")
	}
	regID, err := strconv.ParseUint(n.GetAttr("registration-id"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("registration-id: %w", err)
	}
	identity, ok := n.ChildContent("identity-key")
	if !ok || len(identity) != crypto.KeySize {
		return nil, errors.New("register without identity key")
	}

	spkNode, ok := n.Child("signed-pre-key")
	if !ok {
		return nil, errors.New("register without signed pre key")
	}
	keyID, err := strconv.ParseUint(spkNode.GetAttr("id"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("signed pre key id: %w", err)
	}
	ts, err := strconv.ParseUint(spkNode.GetAttr("t"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signed pre key timestamp: %w", err)
	}
	pub, _ := spkNode.ChildContent("key")
	sig, _ := spkNode.ChildContent("signature")
	spk := &crypto.SignedPreKey{
		KeyID:     uint32(keyID),
		Key:       crypto.KeyPair{Public: pub},
		Signature: sig,
		Timestamp: ts,
	}
	if err := crypto.VerifySignedPreKey(identity, spk); err != nil {
		return nil, fmt.Errorf("signed pre key: %w", err)
	}

	return &Device{ID: id, IdentityKey: identity, RegistrationID: uint32(regID)}, nil
}

func (p *Peer) readLoop() {
	for {
		n, err := p.conn.ReadNode()
		if err != nil {
			p.log.Debug("read loop ended", zap.Error(err))
			return
		}
		if err := p.server.handle(p, n); err != nil {
			p.log.Info("dropping connection", zap.Error(err))
			_ = p.conn.Abort()
			return
		}
	}
}

func (s *Server) handle(p *Peer, n node.Node) error {
	switch n.Tag {
	case protocol.TagIQ:
		return s.handleIQ(p, n)
	case protocol.TagMessage:
		s.relay(p, n)
		return p.Send(node.New(protocol.TagAck, "id", n.ID(), "class", protocol.TagMessage, "t", strconv.FormatInt(time.Now().Unix(), 10)))
	case protocol.TagReceipt:
		s.relay(p, n)
		return p.Send(node.New(protocol.TagAck, "id", n.ID(), "class", protocol.TagReceipt))
	case protocol.TagAck:
		s.acks.Add(1)
	case protocol.TagPresence:
	default:
		p.log.Debug("ignored stanza", zap.String("tag", n.Tag))
	}
	return nil
}

// relay forwards a stanza to the addressed device, if it is online
func (s *Server) relay(from *Peer, n node.Node) {
	to := n.GetAttr("to")
	if to == "" {
		return
	}
	s.mu.Lock()
	sender := ""
	if d := s.devices[from.deviceID]; d != nil {
		sender = d.JID
	}
	s.mu.Unlock()

	out := n.Clone()
	out.SetAttr("from", sender)
	if err := s.Push(to, out); err != nil {
		from.log.Debug("not relayed", zap.String("to", to), zap.Error(err))
	}
}

func (s *Server) handleIQ(p *Peer, iq node.Node) error {
	typ, xmlns := iq.GetAttr("type"), iq.GetAttr("xmlns")
	if typ == protocol.IQResult || typ == protocol.IQError {
		p.log.Debug("iq reply", zap.String("id", iq.ID()), zap.String("type", typ))
		s.mu.Lock()
		ch, waiting := s.waiters[iq.ID()]
		s.mu.Unlock()
		if waiting {
			select {
			case ch <- iq:
			default:
			}
			return nil
		}
		s.confirmed(p, iq)
		return nil
	}

	switch xmlns {
	case protocol.XMLNSKeepalive, protocol.XMLNSPing:
		s.pings.Add(1)
		if s.dropPings.Load() {
			return nil
		}
		return p.Send(Result(iq))
	case protocol.XMLNSPairing:
		return s.handlePairing(p, iq)
	}

	s.mu.Lock()
	fn := s.handlers[xmlns]
	s.mu.Unlock()
	if fn == nil {
		return p.Send(errorReply(iq, protocol.CodeNotImplemented, "feature-not-implemented"))
	}
	body, err := fn(p, iq)
	if errors.Is(err, ErrDeferred) {
		return nil
	}
	if err != nil {
		code, text := protocol.CodeInternal, err.Error()
		var ce *CodeError
		if errors.As(err, &ce) {
			code, text = ce.Code, ce.Text
		}
		return p.Send(errorReply(iq, code, text))
	}
	res := Result(iq)
	if body.Tag != "" {
		res = res.WithChildren(body)
	}
	return p.Send(res)
}

// CodeError lets a HandlerFunc choose the error code of its reply
type CodeError struct {
	Code string
	Text string
}

func (e *CodeError) Error() string {
	return e.Code + " " + e.Text
}

// Result builds the success reply to iq
func Result(iq node.Node) node.Node {
	return node.New(protocol.TagIQ, "id", iq.ID(), "from", protocol.ServerUser, "type", protocol.IQResult)
}

func errorReply(iq node.Node, code, text string) node.Node {
	return node.New(protocol.TagIQ, "id", iq.ID(), "from", protocol.ServerUser, "type", protocol.IQError).
		WithChildren(node.New(protocol.TagError, "code", code, "text", text))
}

func normalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return -1
	}, code)
}
