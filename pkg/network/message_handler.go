package network

import (
	"context"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

// readLoop is the single reader of sc. It returns when the connection fails
// or a stanza ends the stream.
func (c *Client) readLoop(ctx context.Context, sc *transport.SecureConn) error {
	for {
		n, err := sc.ReadNode()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.metrics.FramesReceived.Inc()
		if ce := c.log.Check(zap.DebugLevel, "received"); ce != nil {
			ce.Write(zap.Stringer("node", n))
		}
		if err := c.handleNode(ctx, sc, n); err != nil {
			return err
		}
	}
}

// handleNode routes one inbound stanza: replies to the correlator, chores
// answered in place, everything else to subscribers.
func (c *Client) handleNode(ctx context.Context, sc *transport.SecureConn, n node.Node) error {
	if c.pending.resolve(n) {
		return nil
	}

	switch n.Tag {
	case protocol.TagStreamError:
		se := &StreamError{Code: n.GetAttr("code"), Text: n.GetAttr("text")}
		if se.Text == "" && len(n.Children) > 0 {
			se.Text = n.Children[0].Tag
		}
		return se
	case protocol.TagFailure:
		return &StreamError{Code: n.GetAttr("reason"), Text: n.GetAttr("text")}
	case protocol.TagIQ:
		return c.handleIQ(ctx, sc, n)
	case protocol.TagMessage:
		c.events.publish(EventMessage, n)
		return c.ack(sc, n)
	case protocol.TagReceipt:
		c.events.publish(EventReceipt, n)
		return c.ack(sc, n)
	case protocol.TagNotification:
		c.events.publish(EventNotification, n)
		return c.ack(sc, n)
	case protocol.TagPresence:
		c.events.publish(EventPresence, n)
	case protocol.TagAck:
		c.log.Debug("ack", zap.String("id", n.ID()), zap.String("class", n.GetAttr("class")))
	default:
		c.log.Debug("unhandled stanza", zap.String("tag", n.Tag))
	}
	return nil
}

func (c *Client) handleIQ(ctx context.Context, sc *transport.SecureConn, n node.Node) error {
	typ := n.GetAttr("type")
	switch {
	case typ == protocol.IQGet && n.GetAttr("xmlns") == protocol.XMLNSPing:
		return c.write(sc, iqResult(n.ID()))
	case typ == protocol.IQSet && n.GetAttr("xmlns") == protocol.XMLNSPairing:
		if ps, ok := n.Child(protocol.TagPairSuccess); ok {
			return c.completePairing(ctx, sc, n, ps)
		}
	}

	if typ == protocol.IQGet || typ == protocol.IQSet {
		c.log.Debug("unsupported iq", zap.String("xmlns", n.GetAttr("xmlns")))
		return c.write(sc, iqError(n.ID(), protocol.CodeNotImplemented, "feature-not-implemented"))
	}
	c.log.Debug("unmatched iq reply", zap.String("id", n.ID()), zap.String("type", typ))
	return nil
}

// ack acknowledges delivery of n when AutoAck is on
func (c *Client) ack(sc *transport.SecureConn, n node.Node) error {
	if !c.cfg.AutoAck || n.ID() == "" {
		return nil
	}
	a := node.New(protocol.TagAck, "id", n.ID(), "class", n.Tag)
	for _, key := range []string{"from", "participant", "type"} {
		v := n.GetAttr(key)
		if v == "" {
			continue
		}
		if key == "from" {
			key = "to"
		}
		a.SetAttr(key, v)
	}
	return c.write(sc, a)
}
