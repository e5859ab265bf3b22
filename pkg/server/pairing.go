package server

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

type confirmation struct {
	deviceID string
	jid      string
}

// confirmed applies or discards the pairing acknowledged by iq
func (s *Server) confirmed(p *Peer, iq node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirms[iq.ID()]
	if !ok || c.deviceID != p.deviceID {
		return
	}
	delete(s.confirms, iq.ID())
	if iq.GetAttr("type") != protocol.IQResult {
		p.log.Info("companion rejected pairing")
		return
	}
	if d := s.devices[c.deviceID]; d != nil {
		d.JID = c.jid
	}
}

type pendingPairing struct {
	deviceID string
	method   string
	phone    string
	issued   time.Time
}

const linkCodeAlphabet = "ABCDEFGHJKLMNPQRSTVWXYZ123456789"

func randomLinkCode() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = linkCodeAlphabet[int(b[i])%len(linkCodeAlphabet)]
	}
	return string(b)
}

func (s *Server) handlePairing(p *Peer, iq node.Node) error {
	if pd, ok := iq.Child(protocol.TagPairDevice); ok {
		return s.beginScan(p, iq, pd)
	}
	if lc, ok := iq.Child(protocol.TagLinkCodeReq); ok {
		return s.beginLinkCode(p, iq, lc)
	}
	if rm, ok := iq.Child(protocol.TagRemoveDevice); ok {
		s.mu.Lock()
		delete(s.devices, p.deviceID)
		s.mu.Unlock()
		p.log.Info("device removed", zap.String("reason", rm.GetAttr("reason")))
		return p.Send(Result(iq))
	}
	return p.Send(errorReply(iq, protocol.CodeBadRequest, "bad-request"))
}

// unpaired reports whether p may start a pairing flow
func (s *Server) unpaired(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[p.deviceID]
	return d != nil && !d.Paired()
}

func (s *Server) beginScan(p *Peer, iq, pd node.Node) error {
	if !s.unpaired(p) || pd.GetAttr("method") != protocol.PairMethodScan {
		return p.Send(errorReply(iq, protocol.CodeBadRequest, "not-allowed"))
	}
	ref := uuid.NewString()
	s.addPairing(ref, &pendingPairing{deviceID: p.deviceID, method: protocol.PairMethodScan, issued: time.Now()})
	p.log.Info("pairing reference issued", zap.String("ref", ref))

	return p.Send(Result(iq).WithChildren(
		node.New(protocol.TagPairDevice).WithChildren(node.Node{Tag: protocol.TagRef, Content: []byte(ref)}),
	))
}

func (s *Server) beginLinkCode(p *Peer, iq, lc node.Node) error {
	phone := lc.GetAttr("phone")
	if !s.unpaired(p) || phone == "" {
		return p.Send(errorReply(iq, protocol.CodeBadRequest, "not-allowed"))
	}
	code := randomLinkCode()
	if s.cfg.LinkCode != nil {
		code = s.cfg.LinkCode()
	}
	s.addPairing(normalizeCode(code), &pendingPairing{
		deviceID: p.deviceID,
		method:   protocol.PairMethodCode,
		phone:    phone,
		issued:   time.Now(),
	})
	p.log.Info("link code issued", zap.String("phone", phone), zap.String("code", code))

	return p.Send(Result(iq).WithChildren(node.New(protocol.TagLinkCode, "code", code)))
}

func (s *Server) addPairing(key string, pp *pendingPairing) {
	s.mu.Lock()
	for k, old := range s.pairings {
		if old.deviceID == pp.deviceID {
			delete(s.pairings, k)
		}
	}
	s.pairings[key] = pp
	s.mu.Unlock()

	if d := s.cfg.AutoConfirm; d > 0 {
		time.AfterFunc(d, func() {
			if err := s.ConfirmPairing(key); err != nil {
				s.log.Warn("auto confirm failed", zap.Error(err))
			}
		})
	}
}

// ConfirmPairing plays the primary device: it accepts the scanned reference
// or typed code, signs the companion's identity key and pushes pair-success.
func (s *Server) ConfirmPairing(refOrCode string) error {
	s.mu.Lock()
	key := refOrCode
	pp, ok := s.pairings[key]
	if !ok {
		key = normalizeCode(refOrCode)
		pp, ok = s.pairings[key]
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPairing, refOrCode)
	}
	delete(s.pairings, key)

	d := s.devices[pp.deviceID]
	p := s.peers[pp.deviceID]
	if d == nil || p == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOnline, pp.deviceID)
	}
	user := pp.phone
	if user == "" {
		s.nextUser++
		user = fmt.Sprintf("%d", s.nextUser)
	}
	jid := fmt.Sprintf("%s.%d@%s", user, d.RegistrationID%100, protocol.ServerUser)
	identity := d.IdentityKey
	tag := s.tag()
	// the device counts as paired once the companion acknowledges
	s.confirms[tag] = confirmation{deviceID: d.ID, jid: jid}
	s.mu.Unlock()

	sig := s.account.Sign(identity)
	if s.corruptPairing.Load() {
		sig[0] ^= 0xff
	}
	push := node.New(protocol.TagIQ, "id", tag, "from", protocol.ServerUser, "type", protocol.IQSet, "xmlns", protocol.XMLNSPairing).
		WithChildren(node.New(protocol.TagPairSuccess).WithChildren(
			node.New(protocol.TagDevice, "jid", jid),
			node.Node{Tag: protocol.TagAccountKey, Content: s.account.PublicKey},
			node.Node{Tag: protocol.TagDeviceSig, Content: sig},
		))
	p.log.Info("pairing confirmed", zap.String("method", pp.method), zap.String("jid", jid))
	return p.Send(push)
}
