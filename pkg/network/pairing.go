package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/handshake"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/store"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

// PairingCode is the payload of pairing-code-issued events
type PairingCode struct {
	Method  string    // protocol.PairMethodScan or protocol.PairMethodCode
	Code    string    // Scan payload or link code to show the user
	Expires time.Time
}

// PairingResult is the payload of pairing-succeeded events
type PairingResult struct {
	DeviceID string
	JID      string
}

// pairingAttempt lives from a Begin call until success, failure or expiry.
// It is never persisted.
type pairingAttempt struct {
	method    string
	ephemeral *crypto.KeyPair
	expires   time.Time
	timer     *time.Timer
}

func (a *pairingAttempt) stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

// BeginScanPairing asks the server for a pairing reference and returns the
// payload the primary device must scan. Completion is reported through
// pairing-succeeded or pairing-failed events.
func (c *Client) BeginScanPairing(ctx context.Context) (string, error) {
	attempt, sess, err := c.beginPairing(protocol.PairMethodScan)
	if err != nil {
		return "", err
	}

	req := node.New(protocol.TagIQ, "to", protocol.ServerUser, "type", protocol.IQSet, "xmlns", protocol.XMLNSPairing).
		WithChildren(node.New(protocol.TagPairDevice, "method", protocol.PairMethodScan).WithChildren(
			node.Node{Tag: "identity-key", Content: sess.IdentityKey.PublicKey},
			node.Node{Tag: "ephemeral", Content: attempt.ephemeral.Public},
		))
	resp, err := c.Request(ctx, req, 0)
	if err != nil {
		c.abandonPairing(attempt)
		return "", fmt.Errorf("pair-device: %w", err)
	}

	ref, ok := findContent(resp, protocol.TagRef)
	if !ok || len(ref) == 0 {
		c.abandonPairing(attempt)
		return "", errors.New("pair-device: reply carries no ref")
	}
	fp, err := crypto.Fingerprint(sess.NoiseKey.Public, sess.IdentityKey.PublicKey)
	if err != nil {
		c.abandonPairing(attempt)
		return "", err
	}
	code := strings.Join([]string{
		string(ref),
		base64.StdEncoding.EncodeToString(sess.NoiseKey.Public),
		base64.StdEncoding.EncodeToString(sess.IdentityKey.PublicKey),
		fp,
	}, ",")

	if err := c.issuePairing(attempt, code); err != nil {
		return "", err
	}
	return code, nil
}

// BeginManualPairing requests a link code for the account behind phone. The
// user types the returned code (like "ABCD-1234") on the primary device.
func (c *Client) BeginManualPairing(ctx context.Context, phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}

	attempt, sess, err := c.beginPairing(protocol.PairMethodCode)
	if err != nil {
		return "", err
	}

	req := node.New(protocol.TagIQ, "to", protocol.ServerUser, "type", protocol.IQSet, "xmlns", protocol.XMLNSPairing).
		WithChildren(node.New(protocol.TagLinkCodeReq, "phone", digits).WithChildren(
			node.Node{Tag: "noise-key", Content: sess.NoiseKey.Public},
			node.Node{Tag: "identity-key", Content: sess.IdentityKey.PublicKey},
			node.Node{Tag: "ephemeral", Content: attempt.ephemeral.Public},
		))
	resp, err := c.Request(ctx, req, 0)
	if err != nil {
		c.abandonPairing(attempt)
		return "", fmt.Errorf("link-code-request: %w", err)
	}

	raw := ""
	if lc, ok := findChild(resp, protocol.TagLinkCode); ok {
		raw = lc.GetAttr("code")
		if raw == "" {
			raw = string(lc.Content)
		}
	}
	code := FormatLinkCode(raw)
	if code == "" {
		c.abandonPairing(attempt)
		return "", errors.New("link-code-request: reply carries no code")
	}

	if err := c.issuePairing(attempt, code); err != nil {
		return "", err
	}
	return code, nil
}

// FormatLinkCode upper-cases raw, drops separators and regroups it in
// blocks of four joined by '-'
func FormatLinkCode(raw string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.ToUpper(raw) {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			continue
		}
		if n > 0 && n%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// beginPairing replaces any running attempt and arms the deadline
func (c *Client) beginPairing(method string) (*pairingAttempt, *store.Session, error) {
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, nil, ErrSessionClosed
	case c.conn == nil:
		return nil, nil, ErrNotConnected
	case !c.needsPairing || c.state != StateHandshaking:
		return nil, nil, ErrPairingNotRequired
	}
	if c.pairing != nil {
		c.pairing.stop()
	}

	a := &pairingAttempt{
		method:    method,
		ephemeral: eph,
		expires:   time.Now().Add(c.cfg.PairingTimeout),
	}
	a.timer = time.AfterFunc(c.cfg.PairingTimeout, func() { c.expirePairing(a) })
	c.pairing = a
	return a, c.session, nil
}

func (c *Client) issuePairing(a *pairingAttempt, code string) error {
	c.mu.Lock()
	current := c.pairing == a
	c.mu.Unlock()
	if !current {
		return ErrPairingTimeout
	}
	c.log.Info("pairing code issued", zap.String("method", a.method), zap.Time("expires", a.expires))
	c.events.publish(EventPairingCodeIssued, PairingCode{Method: a.method, Code: code, Expires: a.expires})
	return nil
}

func (c *Client) abandonPairing(a *pairingAttempt) {
	c.mu.Lock()
	if c.pairing == a {
		c.pairing = nil
	}
	c.mu.Unlock()
	a.stop()
}

func (c *Client) expirePairing(a *pairingAttempt) {
	c.mu.Lock()
	if c.pairing != a {
		c.mu.Unlock()
		return
	}
	c.pairing = nil
	c.mu.Unlock()

	c.log.Warn("pairing expired", zap.String("method", a.method))
	c.events.publish(EventPairingFailed, ErrPairingTimeout)
}

// completePairing handles the server's pair-success push
func (c *Client) completePairing(ctx context.Context, sc *transport.SecureConn, iq, ps node.Node) error {
	c.mu.Lock()
	a, sess := c.pairing, c.session
	c.mu.Unlock()
	if a == nil || sess == nil {
		c.log.Warn("unsolicited pair-success")
		return c.write(sc, iqError(iq.ID(), protocol.CodeBadRequest, "no pairing in progress"))
	}

	dev, _ := ps.Child(protocol.TagDevice)
	jid := dev.GetAttr("jid")
	accountKey, _ := ps.ChildContent(protocol.TagAccountKey)
	sig, _ := ps.ChildContent(protocol.TagDeviceSig)

	var err error
	if jid == "" {
		err = fmt.Errorf("%w: pair-success without device jid", handshake.ErrHandshakeFailed)
	} else if verr := crypto.Verify(accountKey, sess.IdentityKey.PublicKey, sig); verr != nil {
		err = fmt.Errorf("%w: device signature: %w", handshake.ErrHandshakeFailed, verr)
	}
	if err != nil {
		c.abandonPairing(a)
		c.log.Error("pairing rejected", zap.Error(err))
		c.events.publish(EventPairingFailed, err)
		return c.write(sc, iqError(iq.ID(), protocol.CodeUnauthorized, "invalid device signature"))
	}

	now := time.Now()
	c.mu.Lock()
	if c.pairing != a || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.pairing = nil
	c.needsPairing = false
	sess.JID = jid
	sess.AccountKey = accountKey
	sess.PairedAt = now
	sess.LastLogin = now
	c.mu.Unlock()
	a.stop()

	c.persist(ctx)
	if err := c.write(sc, iqResult(iq.ID())); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.closed && c.conn == sc {
		c.setStateLocked(StateAuthenticated, nil)
	}
	c.mu.Unlock()

	c.log.Info("paired", zap.String("jid", jid))
	c.events.publish(EventPairingSucceeded, PairingResult{DeviceID: sess.DeviceID, JID: jid})
	return nil
}

// findChild looks for tag among n's children and grandchildren
func findChild(n node.Node, tag string) (node.Node, bool) {
	if c, ok := n.Child(tag); ok {
		return c, true
	}
	for _, child := range n.Children {
		if c, ok := child.Child(tag); ok {
			return c, true
		}
	}
	return node.Node{}, false
}

func findContent(n node.Node, tag string) ([]byte, bool) {
	c, ok := findChild(n, tag)
	return c.Content, ok
}
