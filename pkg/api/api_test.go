package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
)

// fakeSession records calls and answers from canned values
type fakeSession struct {
	mu       sync.Mutex
	state    network.State
	sent     []node.Node
	reply    node.Node
	replyErr error
	phone    string
	handlers map[network.EventKind][]network.Handler
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[network.EventKind][]network.Handler)}
}

func (f *fakeSession) Info() network.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return network.Info{State: f.state, StateName: f.state.String(), DeviceID: "dev"}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != network.StateDisconnected {
		return network.ErrAlreadyConnected
	}
	f.state = network.StateAuthenticated
	return nil
}

func (f *fakeSession) Disconnect() error { return nil }

func (f *fakeSession) Logout(ctx context.Context) error { return nil }

func (f *fakeSession) BeginScanPairing(ctx context.Context) (string, error) {
	return "ref,noise,identity,fp", nil
}

func (f *fakeSession) BeginManualPairing(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	f.phone = phone
	f.mu.Unlock()
	return "ABCD-1234", nil
}

func (f *fakeSession) Send(ctx context.Context, n node.Node) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != network.StateAuthenticated {
		return "", network.ErrNotConnected
	}
	f.sent = append(f.sent, n)
	return "42.1", nil
}

func (f *fakeSession) Request(ctx context.Context, n node.Node, timeout time.Duration) (node.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.reply, f.replyErr
}

func (f *fakeSession) Subscribe(kind network.EventKind, h network.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], h)
	return func() {}
}

func (f *fakeSession) emit(kind network.EventKind, payload any) int {
	f.mu.Lock()
	hs := append([]network.Handler(nil), f.handlers[kind]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(network.Event{Kind: kind, Time: time.Now(), Payload: payload})
	}
	return len(hs)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusAndConnect(t *testing.T) {
	fs := newFakeSession()
	s := NewServer(fs, DefaultConfig())

	w := do(t, s, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "disconnected", info["state"])
	assert.Equal(t, "dev", info["device_id"])

	w = do(t, s, http.MethodPost, "/api/v1/connect", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPost, "/api/v1/connect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authenticated")
}

func TestPairingRoutes(t *testing.T) {
	fs := newFakeSession()
	s := NewServer(fs, DefaultConfig())

	w := do(t, s, http.MethodPost, "/api/v1/pairing/scan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp pairingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "scan", resp.Method)
	assert.Equal(t, "ref,noise,identity,fp", resp.Code)

	w = do(t, s, http.MethodPost, "/api/v1/pairing/code", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/pairing/code", manualPairingRequest{Phone: "+1 555 123 4567"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ABCD-1234", resp.Code)
	assert.Equal(t, "+1 555 123 4567", fs.phone)
}

func TestSendAndRequest(t *testing.T) {
	fs := newFakeSession()
	s := NewServer(fs, DefaultConfig())

	msg := RequestBody{Stanza: Stanza{
		Tag:   "message",
		Attrs: map[string]string{"to": "1@s.whatsapp.net", "type": "text"},
		Children: []Stanza{
			{Tag: "body", Content: []byte("hi")},
		},
	}}

	w := do(t, s, http.MethodPost, "/api/v1/send", msg)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	fs.state = network.StateAuthenticated
	w = do(t, s, http.MethodPost, "/api/v1/send", msg)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"42.1"`)

	require.Len(t, fs.sent, 1)
	sent := fs.sent[0]
	assert.Equal(t, "message", sent.Tag)
	assert.Equal(t, "to", sent.Attrs[0].Key)
	body, ok := sent.ChildContent("body")
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), body)

	w = do(t, s, http.MethodPost, "/api/v1/send", RequestBody{Stanza: Stanza{Tag: "x", Attrs: map[string]string{"": "v"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fs.reply = node.New(protocol.TagIQ, "id", "1", "type", protocol.IQResult)
	w = do(t, s, http.MethodPost, "/api/v1/request", RequestBody{Stanza: Stanza{Tag: "iq"}, TimeoutMS: 500})
	require.Equal(t, http.StatusOK, w.Code)
	var rr requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rr))
	assert.Equal(t, "result", rr.Reply.Attrs["type"])

	fs.replyErr = &network.ServerError{Code: "404", Text: "item-not-found"}
	w = do(t, s, http.MethodPost, "/api/v1/request", RequestBody{Stanza: Stanza{Tag: "iq"}})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"404"`)

	fs.replyErr = network.ErrRequestTimeout
	w = do(t, s, http.MethodPost, "/api/v1/request", RequestBody{Stanza: Stanza{Tag: "iq"}})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestStanzaConversion(t *testing.T) {
	n := node.New("iq", "type", "get", "id", "7").WithChildren(
		node.New("ping"),
		node.Node{Tag: "ref", Content: []byte{1, 2}},
	)
	got, err := FromNode(n).ToNode()
	require.NoError(t, err)

	// attributes come back sorted
	assert.Equal(t, "id", got.Attrs[0].Key)
	assert.Equal(t, "7", got.ID())
	assert.Len(t, got.Children, 2)
	ref, _ := got.ChildContent("ref")
	assert.Equal(t, []byte{1, 2}, ref)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.Burst = 2
	s := NewServer(newFakeSession(), cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.True(t, rl.Allow("10.0.0.1"))
	rl.visitors["10.0.0.1"].lastSeen = time.Now().Add(-10 * time.Minute)

	require.True(t, rl.Allow("10.0.0.2"))
	assert.NotContains(t, rl.visitors, "10.0.0.1")
	assert.Contains(t, rl.visitors, "10.0.0.2")

	// the fresh visitor keeps its bucket
	assert.False(t, rl.Allow("10.0.0.2"))
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCORS = true
	s := NewServer(newFakeSession(), cfg)

	w := do(t, s, http.MethodOptions, "/api/v1/status", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := network.NewMetrics(reg)
	m.Reconnects.Inc()

	cfg := DefaultConfig()
	cfg.Gatherer = reg
	s := NewServer(newFakeSession(), cfg)

	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nocksup_reconnect_attempts_total 1")

	s = NewServer(newFakeSession(), DefaultConfig())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", nil).Code)
}

func TestEventStream(t *testing.T) {
	fs := newFakeSession()
	s := NewServer(fs, DefaultConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?kinds=message,connection-state-changed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return fs.emit(network.EventMessage, node.New("message", "id", "m1")) > 0
	}, time.Second, 10*time.Millisecond)
	fs.emit(network.EventConnectionStateChanged, network.StateChange{From: network.StateConnecting, To: network.StateHandshaking})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
		if len(lines) >= 4 {
			break
		}
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "event:message", lines[0])
	assert.Contains(t, lines[1], `"id":"m1"`)
	assert.Equal(t, "event:connection-state-changed", lines[2])
	assert.True(t, strings.Contains(lines[3], `"to":"handshaking"`), lines[3])
}
