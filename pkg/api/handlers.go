package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/node"
)

// Stanza is the JSON form of a node. Attribute order is not preserved;
// keys are emitted sorted.
type Stanza struct {
	Tag      string            `json:"tag" binding:"required"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Content  []byte            `json:"content,omitempty"` // Base64 in JSON
	Children []Stanza          `json:"children,omitempty"`
}

// ToNode converts s, rejecting stanzas the codec could not encode
func (s Stanza) ToNode() (node.Node, error) {
	n := s.toNode()
	if err := n.Validate(); err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s Stanza) toNode() node.Node {
	n := node.Node{Tag: s.Tag, Content: s.Content}
	keys := make([]string, 0, len(s.Attrs))
	for k := range s.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n.Attrs = append(n.Attrs, node.Attr{Key: k, Value: s.Attrs[k]})
	}
	if s.Children != nil {
		n.Children = make([]node.Node, 0, len(s.Children))
		for _, c := range s.Children {
			n.Children = append(n.Children, c.toNode())
		}
	}
	return n
}

// FromNode renders n as a Stanza
func FromNode(n node.Node) Stanza {
	s := Stanza{Tag: n.Tag, Content: n.Content}
	if len(n.Attrs) > 0 {
		s.Attrs = make(map[string]string, len(n.Attrs))
		for _, a := range n.Attrs {
			s.Attrs[a.Key] = a.Value
		}
	}
	for _, c := range n.Children {
		s.Children = append(s.Children, FromNode(c))
	}
	return s
}

// RequestBody is accepted by /send and /request
type RequestBody struct {
	Stanza
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

type pairingResponse struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

type manualPairingRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type requestResponse struct {
	Reply Stanza `json:"reply"`
}

// statusOf maps client errors onto HTTP statuses
func statusOf(err error) int {
	var se *network.ServerError
	switch {
	case errors.Is(err, network.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, network.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, network.ErrAlreadyConnected),
		errors.Is(err, network.ErrPairingNotRequired):
		return http.StatusConflict
	case errors.Is(err, network.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var se *network.ServerError
	if errors.As(err, &se) {
		resp.Code = se.Code
	}
	c.JSON(statusOf(err), resp)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	info := s.session.Info()
	code := http.StatusOK
	if info.State == network.StateFailed {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": info.StateName})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Info())
}

// handleConnect handles POST /api/v1/connect
func (s *Server) handleConnect(c *gin.Context) {
	if err := s.session.Connect(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Info())
}

// handleDisconnect handles POST /api/v1/disconnect
func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.session.Disconnect(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session.Info())
}

// handleLogout handles POST /api/v1/logout
func (s *Server) handleLogout(c *gin.Context) {
	if err := s.session.Logout(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleScanPairing handles POST /api/v1/pairing/scan
func (s *Server) handleScanPairing(c *gin.Context) {
	code, err := s.session.BeginScanPairing(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pairingResponse{Method: "scan", Code: code})
}

// handleCodePairing handles POST /api/v1/pairing/code
func (s *Server) handleCodePairing(c *gin.Context) {
	var req manualPairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	code, err := s.session.BeginManualPairing(c.Request.Context(), req.Phone)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pairingResponse{Method: "code", Code: code})
}

func bindStanza(c *gin.Context) (node.Node, RequestBody, bool) {
	var body RequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return node.Node{}, body, false
	}
	n, err := body.ToNode()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid stanza", Message: err.Error()})
		return node.Node{}, body, false
	}
	return n, body, true
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(c *gin.Context) {
	n, _, ok := bindStanza(c)
	if !ok {
		return
	}
	id, err := s.session.Send(c.Request.Context(), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sendResponse{ID: id})
}

// handleRequest handles POST /api/v1/request
func (s *Server) handleRequest(c *gin.Context) {
	n, body, ok := bindStanza(c)
	if !ok {
		return
	}
	timeout := time.Duration(body.TimeoutMS) * time.Millisecond
	reply, err := s.session.Request(c.Request.Context(), n, timeout)
	var se *network.ServerError
	if errors.As(err, &se) {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": se.Code, "reply": FromNode(reply)})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, requestResponse{Reply: FromNode(reply)})
}

// eventPayload makes event payloads JSON friendly
func eventPayload(ev network.Event) any {
	switch p := ev.Payload.(type) {
	case node.Node:
		return FromNode(p)
	case network.StateChange:
		out := gin.H{"from": p.From.String(), "to": p.To.String()}
		if p.Err != nil {
			out["error"] = p.Err.Error()
		}
		return out
	case error:
		return gin.H{"error": p.Error()}
	default:
		return p
	}
}

// handleEvents handles GET /api/v1/events as a server-sent event stream.
// ?kinds=message,receipt narrows the subscription.
func (s *Server) handleEvents(c *gin.Context) {
	kinds := network.EventKinds
	if q := c.Query("kinds"); q != "" {
		kinds = nil
		for _, k := range strings.Split(q, ",") {
			kinds = append(kinds, network.EventKind(strings.TrimSpace(k)))
		}
	}

	events := make(chan network.Event, 64)
	done := c.Request.Context().Done()
	for _, k := range kinds {
		unsubscribe := s.session.Subscribe(k, func(ev network.Event) {
			select {
			case events <- ev:
			case <-done:
			}
		})
		defer unsubscribe()
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(string(ev.Kind), gin.H{"time": ev.Time, "payload": eventPayload(ev)})
			return true
		case <-done:
			return false
		}
	})
}
