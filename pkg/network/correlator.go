package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

type reply struct {
	node node.Node
	err  error
}

type pendingRequest struct {
	tag       string
	submitted time.Time
	done      chan reply // Buffered, receives exactly one reply
}

// correlator matches replies to outstanding requests by tag
type correlator struct {
	prefix  string
	counter atomic.Uint64
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  error
}

func newCorrelator(m *Metrics) *correlator {
	var b [4]byte
	_, _ = rand.Read(b[:])
	// digits only, so tags pack as nibbles on the wire
	prefix := strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])%1_000_000), 10)
	return &correlator{
		prefix:  prefix,
		metrics: m,
		pending: make(map[string]*pendingRequest),
	}
}

// nextTag returns a tag unique for the lifetime of the client
func (c *correlator) nextTag() string {
	return c.prefix + "." + strconv.FormatUint(c.counter.Add(1), 10)
}

func (c *correlator) register(tag string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	if _, dup := c.pending[tag]; dup {
		return nil, fmt.Errorf("request tag %q already pending", tag)
	}
	p := &pendingRequest{tag: tag, submitted: time.Now(), done: make(chan reply, 1)}
	c.pending[tag] = p
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
	return p, nil
}

// remove drops tag and reports whether it was still pending
func (c *correlator) remove(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[tag]; !ok {
		return false
	}
	delete(c.pending, tag)
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
	return true
}

// resolve completes the request n answers, if any
func (c *correlator) resolve(n node.Node) bool {
	id := n.ID()
	if id == "" {
		return false
	}
	// a get or set iq is a request from the server, never a reply
	if n.Tag == protocol.TagIQ {
		if t := n.GetAttr("type"); t == protocol.IQGet || t == protocol.IQSet {
			return false
		}
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.PendingRequests.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if n.GetAttr("type") == protocol.IQError {
		p.done <- reply{node: n, err: serverError(n)}
	} else {
		p.done <- reply{node: n}
	}
	return true
}

// failAll completes every pending request with err
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.metrics.PendingRequests.Set(0)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- reply{err: err}
	}
}

// close fails everything pending and rejects new registrations with err
func (c *correlator) close(err error) {
	c.mu.Lock()
	c.closed = err
	c.mu.Unlock()
	c.failAll(err)
}

func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func serverError(n node.Node) *ServerError {
	e := &ServerError{Code: n.GetAttr("code"), Text: n.GetAttr("text")}
	if child, ok := n.Child(protocol.TagError); ok {
		e.Code = child.GetAttr("code")
		e.Text = child.GetAttr("text")
	}
	if e.Code == "" {
		e.Code = protocol.CodeInternal
	}
	return e
}
