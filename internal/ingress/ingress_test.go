package ingress

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

type fakeGateway struct {
	sent        []string
	disconnects []string
	broadcasts  []string
	broadcastEP [][]string
	handles     map[string]SessionHandle
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{handles: map[string]SessionHandle{}}
}

func (f *fakeGateway) ServerMessage(connectionID, message string, now time.Time) {
	f.sent = append(f.sent, connectionID+":"+message)
}
func (f *fakeGateway) ServerDisconnect(connectionID, reason string, now time.Time) {
	f.disconnects = append(f.disconnects, connectionID+":"+reason)
}
func (f *fakeGateway) BroadcastServerMessage(message string, endpoints []string, now time.Time) {
	f.broadcasts = append(f.broadcasts, message)
	f.broadcastEP = append(f.broadcastEP, endpoints)
}
func (f *fakeGateway) RegisterHandle(connectionID string, handle SessionHandle) {
	f.handles[connectionID] = handle
}

func newTestSurface(gw Gateway) (*Surface, *http.ServeMux) {
	mux := http.NewServeMux()
	s := New(mux, Config{MaxOutMessageSize: 1024}, gw, nil, nil, nil, nil, zerolog.Nop())
	return s, mux
}

func TestSendPostsToGateway(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	req := httptest.NewRequest(http.MethodPost, "/connections/c1/_send", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(gw.sent) != 1 || gw.sent[0] != "c1:hello" {
		t.Fatalf("expected forwarded message, got %v", gw.sent)
	}
}

func TestDisconnectPostsToGateway(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	req := httptest.NewRequest(http.MethodPost, "/connections/c1/_disconnect", strings.NewReader("bye"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(gw.disconnects) != 1 || gw.disconnects[0] != "c1:bye" {
		t.Fatalf("expected forwarded disconnect, got %v", gw.disconnects)
	}
}

func TestBroadcastWithEndpointFilter(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	u := "/connections/_broadcast?" + url.Values{"endpoints": {"/public", "/admin"}}.Encode()
	req := httptest.NewRequest(http.MethodPost, u, strings.NewReader("hi all"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(gw.broadcastEP) != 1 || len(gw.broadcastEP[0]) != 2 {
		t.Fatalf("expected two endpoint filters, got %v", gw.broadcastEP)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	oversized := strings.Repeat("a", 2000)
	req := httptest.NewRequest(http.MethodPost, "/connections/c1/_send", strings.NewReader(oversized))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized payload, got %d", rec.Code)
	}
	if len(gw.sent) != 0 {
		t.Fatalf("expected no message forwarded, got %v", gw.sent)
	}
}

func TestUnknownConnectionActionNotFound(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	req := httptest.NewRequest(http.MethodPost, "/connections/c1/_nope", strings.NewReader(""))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthReportsUp(t *testing.T) {
	gw := newFakeGateway()
	_, mux := newTestSurface(gw)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"up"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestUpgradeRejectedWhenShuttingDown(t *testing.T) {
	gw := newFakeGateway()
	mux := http.NewServeMux()
	s := New(mux, Config{Endpoints: []string{"/public"}, MaxOutMessageSize: 1024}, gw, nil, nil, nil, nil, zerolog.Nop())
	s.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/ws/public", nil)
	rec := httptest.NewRecorder()
	s.handleUpgrade(rec, req, "/public")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 during shutdown, got %d", rec.Code)
	}
}

func TestRejectUnauthorizedSendsPolicyViolationClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go rejectUnauthorized(server, "unauthorized")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, err := ws.ReadHeader(client)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.OpCode != ws.OpClose {
		t.Fatalf("expected close frame, got opcode %v", header.OpCode)
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(client, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	code, _ := ws.ParseCloseFrameData(payload)
	if code != ws.StatusPolicyViolation {
		t.Fatalf("expected StatusPolicyViolation, got %v", code)
	}
}

type rejectingGuard struct{}

func (rejectingGuard) ShouldAcceptConnection() (bool, string) { return false, "overloaded" }

func TestUpgradeRejectedByResourceGuard(t *testing.T) {
	gw := newFakeGateway()
	mux := http.NewServeMux()
	s := New(mux, Config{Endpoints: []string{"/public"}, MaxOutMessageSize: 1024}, gw, nil, nil, rejectingGuard{}, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws/public", nil)
	rec := httptest.NewRecorder()
	s.handleUpgrade(rec, req, "/public")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from resource guard rejection, got %d", rec.Code)
	}
}

type denyingLimiter struct{}

func (denyingLimiter) CheckConnectionAllowed(ip string) bool { return false }

func TestUpgradeRejectedByRateLimiter(t *testing.T) {
	gw := newFakeGateway()
	mux := http.NewServeMux()
	s := New(mux, Config{Endpoints: []string{"/public"}, MaxOutMessageSize: 1024}, gw, nil, nil, nil, denyingLimiter{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws/public", nil)
	rec := httptest.NewRecorder()
	s.handleUpgrade(rec, req, "/public")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from rate limiter rejection, got %d", rec.Code)
	}
}
