package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/transport"
)

// Backoff returns the delay before reconnect attempt n (1-based): base
// doubled per attempt, capped at max, then spread by +/- jitter.
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		d = time.Duration(float64(d) * (1 + jitter*(2*rand.Float64()-1)))
	}
	return d
}

// isTransient reports whether err is worth another attempt with the same keys
func isTransient(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, transport.ErrTransport),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr):
		return true
	}
	return false
}

// connectionLost runs once per connection after its goroutines stop
func (c *Client) connectionLost(sc *transport.SecureConn, err error) {
	c.mu.Lock()
	if c.conn != sc {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	attempt := c.pairing
	c.pairing = nil
	c.mu.Unlock()

	c.log.Warn("connection lost", zap.Stringer("state", prev), zap.Error(err))
	c.pending.failAll(fmt.Errorf("%w: connection lost: %w", ErrNotConnected, err))
	if attempt != nil {
		attempt.stop()
		c.events.publish(EventPairingFailed, fmt.Errorf("pairing interrupted: %w", err))
	}

	var se *StreamError
	switch {
	case errors.As(err, &se) && se.Code == protocol.CodeUnauthorized:
		c.invalidate(c.ctx, se)
		c.reconnect(err, true)
	case errors.As(err, &se) && se.Code == protocol.CodeRestartRequired:
		c.reconnect(err, true)
	case errors.As(err, &se) && se.Code == protocol.CodeConflict:
		// replaced by another connection of the same device
		c.fail(err)
	default:
		if errors.Is(err, node.ErrMalformedNode) {
			c.events.publish(EventError, err)
		}
		c.reconnect(err, false)
	}
}

func (c *Client) reconnect(cause error, immediate bool) {
	if !c.cfg.AutoReconnect {
		c.fail(cause)
		return
	}
	if err := c.advance(StateReconnecting, cause); err != nil {
		return
	}
	c.wg.Add(1)
	go c.reconnectLoop(immediate)
}

// reconnectLoop retries with jittered exponential backoff until a
// connection is up, the attempts run out, or the client is closed
func (c *Client) reconnectLoop(immediate bool) {
	defer c.wg.Done()

	for attempt := 1; ; attempt++ {
		if limit := c.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
			c.log.Error("giving up reconnecting", zap.Int("attempts", limit))
			c.fail(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, limit))
			return
		}

		delay := Backoff(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.cfg.ReconnectJitter)
		if immediate && attempt == 1 {
			delay = 0
		}
		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		c.metrics.Reconnects.Inc()
		if err := c.advance(StateConnecting, nil); err != nil {
			return
		}
		err := c.establish(c.ctx)
		if err == nil {
			c.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		if !isTransient(err) {
			// stale keys or a hostile server; retrying would not help
			c.fail(err)
			return
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if err := c.advance(StateReconnecting, err); err != nil {
			return
		}
	}
}

func pingNode() node.Node {
	return node.New(protocol.TagIQ, "to", protocol.ServerUser, "type", protocol.IQGet, "xmlns", protocol.XMLNSKeepalive).
		WithChildren(node.New(protocol.TagPing))
}

// keepaliveLoop pings through the correlator and fails the connection after
// MaxMissedKeepalives consecutive misses
func (c *Client) keepaliveLoop(ctx context.Context, sc *transport.SecureConn) error {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		start := time.Now()
		_, err := c.request(ctx, sc, pingNode(), c.cfg.KeepaliveTimeout)
		switch {
		case err == nil:
			missed = 0
			c.log.Debug("keepalive", zap.Duration("rtt", time.Since(start)))
		case errors.Is(err, ErrRequestTimeout):
			missed++
			c.log.Warn("keepalive missed", zap.Int("missed", missed))
			if missed >= c.cfg.MaxMissedKeepalives {
				return fmt.Errorf("%w: %w after %d missed pings", transport.ErrTransport, ErrKeepaliveTimeout, missed)
			}
		case ctx.Err() != nil:
			return nil
		default:
			var se *ServerError
			if errors.As(err, &se) {
				// an error reply still proves liveness
				missed = 0
				continue
			}
			return err
		}
	}
}
