package session

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

type fakeGateway struct {
	connectErr error

	connected    []string
	disconnected []string
	heartbeats   []string
	messages     []string
}

func (g *fakeGateway) Connect(connectionID, endpoint string, now time.Time) error {
	g.connected = append(g.connected, connectionID)
	return g.connectErr
}

func (g *fakeGateway) Disconnect(connectionID, endpoint string, now time.Time) {
	g.disconnected = append(g.disconnected, connectionID)
}

func (g *fakeGateway) Heartbeat(connectionID string, now time.Time) {
	g.heartbeats = append(g.heartbeats, connectionID)
}

func (g *fakeGateway) ClientMessage(connectionID, endpoint string, now time.Time, context map[string]any, payload string) {
	g.messages = append(g.messages, payload)
}

func newPipeSession(t *testing.T, gw Gateway) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New("conn-1", "/public", server, gw, zerolog.Nop())
	return s, client
}

func TestOpenSuccessTransitionsToLive(t *testing.T) {
	gw := &fakeGateway{}
	s, client := newPipeSession(t, gw)
	defer client.Close()

	if err := s.Open(time.Now()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if atomicState(s) != stateLive {
		t.Fatalf("expected Live state")
	}
	if len(gw.connected) != 1 {
		t.Fatalf("expected one Connect call, got %d", len(gw.connected))
	}
}

func TestOpenRejectedTransitionsToClosing(t *testing.T) {
	gw := &fakeGateway{connectErr: errConnectRejected{}}
	s, client := newPipeSession(t, gw)
	defer client.Close()

	if err := s.Open(time.Now()); err == nil {
		t.Fatalf("expected error from rejected connect")
	}
	if atomicState(s) != stateClosing {
		t.Fatalf("expected Closing state after rejection")
	}
}

func TestDeliverDoesNotBlockWhenBufferFull(t *testing.T) {
	gw := &fakeGateway{}
	s, client := newPipeSession(t, gw)
	defer client.Close()

	for i := 0; i < 300; i++ {
		s.Deliver("msg")
	}
	// Should not deadlock or panic: buffer overflow just drops messages.
}

func TestContinuationFrameTransitionsToClosing(t *testing.T) {
	gw := &fakeGateway{}
	s, client := newPipeSession(t, gw)
	defer client.Close()

	if err := s.Open(time.Now()); err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.ReadPump(Config{HeartbeatInterval: time.Hour, Timeout: time.Hour})
		close(done)
	}()

	if err := wsutil.WriteClientMessage(client, ws.OpContinuation, []byte("x")); err != nil {
		t.Fatalf("write continuation frame: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadPump did not return after continuation frame")
	}

	if atomicState(s) != stateClosing {
		t.Fatalf("expected Closing state after continuation frame")
	}
	if len(gw.disconnected) != 1 {
		t.Fatalf("expected one Disconnect call, got %d", len(gw.disconnected))
	}
}

func atomicState(s *Session) state {
	return state(s.state)
}

type errConnectRejected struct{}

func (errConnectRejected) Error() string { return "connect hook rejected" }
