package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/rs/zerolog"
)

type fakeOwnership struct {
	claimErr error
	owners   map[string]string
}

func newFakeOwnership() *fakeOwnership {
	return &fakeOwnership{owners: map[string]string{}}
}

func (f *fakeOwnership) Claim(ctx context.Context, connection, instance string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.owners[connection] = instance
	return nil
}
func (f *fakeOwnership) Refresh(ctx context.Context, connection, instance string) error { return nil }
func (f *fakeOwnership) Release(ctx context.Context, connection, instance string) error {
	delete(f.owners, connection)
	return nil
}
func (f *fakeOwnership) OwnerOf(ctx context.Context, connection string) (string, error) {
	return f.owners[connection], nil
}

type fakeBus struct {
	instanceMsgs  []envelope.Bus
	broadcastMsgs []envelope.Bus
}

func (f *fakeBus) PublishToInstance(ctx context.Context, instance string, env envelope.Bus) error {
	f.instanceMsgs = append(f.instanceMsgs, env)
	return nil
}
func (f *fakeBus) PublishBroadcast(ctx context.Context, env envelope.Bus) error {
	f.broadcastMsgs = append(f.broadcastMsgs, env)
	return nil
}

type fakeQueue struct {
	published []envelope.Queue
}

func (f *fakeQueue) Publish(ctx context.Context, msg envelope.Queue) error {
	f.published = append(f.published, msg)
	return nil
}

type fakeHandle struct {
	delivered []string
	kicked    []string
}

func (h *fakeHandle) Deliver(message string) { h.delivered = append(h.delivered, message) }
func (h *fakeHandle) Kick(reason string)      { h.kicked = append(h.kicked, reason) }

func newTestGateway(t *testing.T) (*Gateway, *fakeOwnership, *fakeBus, *fakeQueue) {
	t.Helper()
	ownership := newFakeOwnership()
	bus := &fakeBus{}
	queue := &fakeQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	g := New(ctx, Config{InstanceID: "inst-a", GroupID: "g1"}, ownership, bus, queue, zerolog.Nop())
	return g, ownership, bus, queue
}

func TestConnectInsertsAndClaims(t *testing.T) {
	g, ownership, _, _ := newTestGateway(t)

	if err := g.Connect("c1", "/public", time.Now()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ownership.owners["c1"] != "inst-a" {
		t.Fatalf("expected ownership claimed for c1")
	}
}

func TestConnectDuplicateRejected(t *testing.T) {
	g, _, _, _ := newTestGateway(t)

	if err := g.Connect("c1", "/public", time.Now()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.Connect("c1", "/public", time.Now()); err == nil {
		t.Fatalf("expected duplicate connect to be rejected")
	}
}

func TestConnectRollsBackOnClaimFailure(t *testing.T) {
	g, ownership, _, _ := newTestGateway(t)
	ownership.claimErr = errors.New("kv down")

	err := g.Connect("c1", "/public", time.Now())
	if err == nil {
		t.Fatalf("expected error from failed claim")
	}

	// A session that failed claim must not linger in the table: a
	// second Connect for the same ID should succeed once claim works.
	ownership.claimErr = nil
	if err := g.Connect("c1", "/public", time.Now()); err != nil {
		t.Fatalf("expected retry connect to succeed, got %v", err)
	}
}

func TestDisconnectReleasesOwnership(t *testing.T) {
	g, ownership, _, _ := newTestGateway(t)
	_ = g.Connect("c1", "/public", time.Now())

	g.Disconnect("c1", "/public", time.Now())
	time.Sleep(20 * time.Millisecond) // mailbox is async

	if _, ok := ownership.owners["c1"]; ok {
		t.Fatalf("expected ownership released after disconnect")
	}
}

func TestClientMessagePublishesToQueue(t *testing.T) {
	g, _, _, queue := newTestGateway(t)
	_ = g.Connect("c1", "/public", time.Now())

	g.ClientMessage("c1", "/public", time.Now(), nil, "hello")
	time.Sleep(20 * time.Millisecond)

	if len(queue.published) != 1 || queue.published[0].Data.Message != "hello" {
		t.Fatalf("expected one queue publish with message hello, got %+v", queue.published)
	}
}

func TestServerMessageRoutesToOwner(t *testing.T) {
	g, _, bus, _ := newTestGateway(t)
	_ = g.Connect("c1", "/public", time.Now())

	g.ServerMessage("c1", "hi", time.Now())
	time.Sleep(20 * time.Millisecond)

	if len(bus.instanceMsgs) != 1 || bus.instanceMsgs[0].Connection != "c1" {
		t.Fatalf("expected one instance publish for c1, got %+v", bus.instanceMsgs)
	}
}

func TestServerMessageDropsSilentlyWhenOwnerUnknown(t *testing.T) {
	g, _, bus, _ := newTestGateway(t)

	g.ServerMessage("ghost", "hi", time.Now())
	time.Sleep(20 * time.Millisecond)

	if len(bus.instanceMsgs) != 0 {
		t.Fatalf("expected no publish for unknown connection, got %+v", bus.instanceMsgs)
	}
}

func TestBroadcastLocalDeliversOnlyMatchingEndpoint(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	_ = g.Connect("c1", "/public", time.Now())
	_ = g.Connect("c2", "/admin", time.Now())

	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	g.RegisterHandle("c1", h1)
	g.RegisterHandle("c2", h2)

	g.BroadcastLocal("hi", []string{"/public"})

	if len(h1.delivered) != 1 || h1.delivered[0] != "hi" {
		t.Fatalf("expected c1 to receive broadcast, got %v", h1.delivered)
	}
	if len(h2.delivered) != 0 {
		t.Fatalf("expected c2 to receive nothing, got %v", h2.delivered)
	}
}

func TestDeliverToClientUnknownConnectionIsBenign(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	g.DeliverToClient("ghost", "hi") // must not panic
}
