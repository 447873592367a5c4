package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	scansync "github.com/kimhsiao/attendsync/internal/sync"
	"github.com/kimhsiao/attendsync/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockOrchestrator implements scansync.OrchestratorInterface.
type mockOrchestrator struct {
	mu       sync.Mutex
	handler  scansync.SyncEventHandler
	scans    []scanRequest
	calls    []string
	result   scansync.Result
	snapshot scansync.StateSnapshot
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{
		result:   scansync.Result{Success: true, Message: "ok"},
		snapshot: scansync.StateSnapshot{PendingCount: 2, IsOnline: true, Status: scansync.SyncStatusIdle},
	}
}

func (m *mockOrchestrator) record(call string) scansync.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.result
}

func (m *mockOrchestrator) Scan(_ context.Context, code, location, notes string) scansync.Result {
	m.mu.Lock()
	m.scans = append(m.scans, scanRequest{Code: code, Location: location, Notes: notes})
	m.mu.Unlock()
	return m.record("scan")
}

func (m *mockOrchestrator) Sync(context.Context) scansync.Result         { return m.record("sync") }
func (m *mockOrchestrator) ClearQueue(context.Context) scansync.Result   { return m.record("clear") }
func (m *mockOrchestrator) RefreshToday(context.Context) scansync.Result { return m.record("refresh") }
func (m *mockOrchestrator) Logout(context.Context) scansync.Result       { return m.record("logout") }
func (m *mockOrchestrator) Status() scansync.SyncStatus                  { return scansync.SyncStatusIdle }
func (m *mockOrchestrator) LastSync() *time.Time                         { return nil }
func (m *mockOrchestrator) PendingCount() int                            { return m.snapshot.PendingCount }
func (m *mockOrchestrator) LastError() error                             { return nil }
func (m *mockOrchestrator) Snapshot() scansync.StateSnapshot             { return m.snapshot }

func (m *mockOrchestrator) SetEventHandler(h scansync.SyncEventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockOrchestrator) emit(t scansync.SyncEventType, data interface{}) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h.OnSyncEvent(scansync.SyncEvent{Type: t, Timestamp: time.Now(), Data: data})
}

func (m *mockOrchestrator) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *mockOrchestrator) {
	t.Helper()
	orch := newMockOrchestrator()
	hub := NewHub()
	t.Cleanup(hub.Stop)
	return NewServer(orch, hub, opts...), orch
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) scansync.Result {
	t.Helper()
	var res scansync.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

// =====================================================
// REST Tests
// =====================================================

func TestNewServer_registersHandler(t *testing.T) {
	s, orch := newTestServer(t)
	assert.Same(t, s.hub, orch.handler)
}

func TestServer_health(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServer_state(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap scansync.StateSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.PendingCount)
	assert.True(t, snap.IsOnline)
}

func TestServer_scan(t *testing.T) {
	s, orch := newTestServer(t, WithLocation("Gate A"))

	rec := do(t, s, http.MethodPost, "/scan", `{"code":"EMP-001","notes":"visitor"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)

	require.Len(t, orch.scans, 1)
	assert.Equal(t, scanRequest{Code: "EMP-001", Location: "Gate A", Notes: "visitor"}, orch.scans[0])

	rec = do(t, s, http.MethodPost, "/scan", `{"code":"EMP-002","location":"Dock"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dock", orch.scans[1].Location)
}

func TestServer_scanBadRequest(t *testing.T) {
	s, orch := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "EMP-001"},
		{"missing code", `{"location":"Gate A"}`},
		{"blank code", `{"code":"   "}`},
		{"too large", `{"code":"` + strings.Repeat("x", maxBodyBytes) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/scan", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, decodeResult(t, rec).Success)
		})
	}
	assert.Empty(t, orch.callLog())
}

func TestServer_actions(t *testing.T) {
	tests := []struct {
		method string
		path   string
		call   string
	}{
		{http.MethodPost, "/sync", "sync"},
		{http.MethodDelete, "/queue", "clear"},
		{http.MethodPost, "/today/refresh", "refresh"},
		{http.MethodPost, "/logout", "logout"},
	}

	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			s, orch := newTestServer(t)
			rec := do(t, s, tt.method, tt.path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{tt.call}, orch.callLog())
		})
	}
}

func TestServer_methodNotAllowed(t *testing.T) {
	s, orch := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/sync", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, s, http.MethodPost, "/queue", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, orch.callLog())
}

func TestServer_rejectsForeignOrigin(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/logout", ""},
		{http.MethodPost, "/scan", `{"code":"EMP-001"}`},
		{http.MethodPost, "/sync", ""},
		{http.MethodDelete, "/queue", ""},
		{http.MethodGet, "/state", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			s, orch := newTestServer(t)
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Origin", "http://evil.example")
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Empty(t, orch.callLog())
		})
	}
}

func TestServer_localOriginAllowed(t *testing.T) {
	s, orch := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sync"}, orch.callLog())
}

func TestServer_requiresJSONBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        int
	}{
		{"text plain", "text/plain", http.StatusUnsupportedMediaType},
		{"form", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"missing", "", http.StatusUnsupportedMediaType},
		{"json", "application/json", http.StatusOK},
		{"json with charset", "application/json; charset=utf-8", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, orch := newTestServer(t)
			req := httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader(`{"code":"EMP-001"}`))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				assert.Empty(t, orch.callLog())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		res  scansync.Result
		want int
	}{
		{"success", scansync.Result{Success: true}, http.StatusOK},
		{"queued offline", scansync.Result{Success: true, Outcome: scansync.OutcomeQueuedOffline}, http.StatusOK},
		{"auth outcome", scansync.Result{Outcome: scansync.OutcomeAuthExpired}, http.StatusUnauthorized},
		{"auth message", scansync.Result{Error: scansync.MessageSessionExpired}, http.StatusUnauthorized},
		{"rejected", scansync.Result{Outcome: scansync.OutcomeRejected, Error: "employee not found"}, http.StatusUnprocessableEntity},
		{"offline", scansync.Result{Error: scansync.MessageOffline}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.res))
		})
	}
}

func TestServer_metrics(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics disabled without a gatherer")

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	metrics.SetQueueDepth(3)

	s, _ = newTestServer(t, WithMetrics(reg))
	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attendsync_queue_pending 3")
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestServer_serveShutdown(t *testing.T) {
	s, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_listenError(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Error(t, s.ListenAndServe(context.Background(), "256.0.0.1:bad"))
}

// =====================================================
// WebSocket Tests
// =====================================================

func dialWS(t *testing.T, s *Server) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_initialStateAndEvents(t *testing.T) {
	s, orch := newTestServer(t)
	conn, closeAll := dialWS(t, s)
	defer closeAll()

	first := readEnvelope(t, conn)
	assert.Equal(t, "state.changed", first.Type)
	assert.EqualValues(t, 2, first.Data.(map[string]interface{})["pendingCount"])

	waitForClients(t, s.hub, 1)
	orch.emit(scansync.SyncEventCompleted, scansync.Result{Success: true, Synced: 3})

	env := readEnvelope(t, conn)
	assert.Equal(t, "sync.completed", env.Type)
	assert.EqualValues(t, 3, env.Data.(map[string]interface{})["synced"])
	assert.NotZero(t, env.Timestamp)
}

func TestWebSocket_subscriptions(t *testing.T) {
	s, orch := newTestServer(t)
	conn, closeAll := dialWS(t, s)
	defer closeAll()

	readEnvelope(t, conn)
	waitForClients(t, s.hub, 1)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Events: []string{"sync.failed"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), "subscribe_ack")

	orch.emit(scansync.SyncEventStarted, nil)
	orch.emit(scansync.SyncEventFailed, scansync.Result{Error: "boom"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "sync.failed", env.Type, "unsubscribed events are filtered out")
}

func TestWebSocket_ping(t *testing.T) {
	s, _ := newTestServer(t)
	conn, closeAll := dialWS(t, s)
	defer closeAll()

	readEnvelope(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"pong"`)))
}

func TestWebSocket_disconnect(t *testing.T) {
	s, _ := newTestServer(t)
	conn, closeAll := dialWS(t, s)
	defer closeAll()

	readEnvelope(t, conn)
	waitForClients(t, s.hub, 1)

	conn.Close()
	waitForClients(t, s.hub, 0)
}

func TestWebSocket_rejectsForeignOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8765", true},
		{"http://[::1]:8765", true},
		{"https://evil.example.com", false},
		{"http://192.168.1.10", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isLocalOrigin(r))
		})
	}
}

// =====================================================
// Hub Tests
// =====================================================

func TestHub_broadcastAfterStop(t *testing.T) {
	hub := NewHub()
	hub.Stop()
	hub.Stop()

	hub.Broadcast("state.changed", nil)
	hub.OnSyncEvent(scansync.SyncEvent{Type: scansync.SyncEventStarted})
	assert.Zero(t, hub.ClientCount())
}
