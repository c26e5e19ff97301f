package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeSubscription struct {
	ch chan *redis.Message
}

func (s *fakeSubscription) Channel() <-chan *redis.Message { return s.ch }
func (s *fakeSubscription) Close() error                   { close(s.ch); return nil }

type fakeBus struct {
	sub *fakeSubscription
}

func (b *fakeBus) Subscribe(ctx context.Context, channels ...string) Subscription {
	return b.sub
}

type fakeDispatcher struct {
	delivered   []string
	kicked      []string
	broadcasts  []string
	notFound    []string
}

func (d *fakeDispatcher) DeliverToClient(connection, message string) {
	d.delivered = append(d.delivered, connection+":"+message)
}
func (d *fakeDispatcher) KickClient(connection, reason string) {
	d.kicked = append(d.kicked, connection+":"+reason)
}
func (d *fakeDispatcher) BroadcastLocal(message string, endpoints []string) {
	d.broadcasts = append(d.broadcasts, message)
}
func (d *fakeDispatcher) ConnectionNotFound(connection string) {
	d.notFound = append(d.notFound, connection)
}

func encode(t *testing.T, e envelope.Bus) string {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestDispatchServerToClient(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	r := New(&fakeBus{}, dispatcher, zerolog.Nop(), "g1", "inst-a")

	r.dispatch(encode(t, envelope.Bus{Kind: envelope.KindServerToClient, Connection: "c1", Message: "hi"}))

	if len(dispatcher.delivered) != 1 || dispatcher.delivered[0] != "c1:hi" {
		t.Fatalf("unexpected delivered: %v", dispatcher.delivered)
	}
}

func TestDispatchServerDisconnect(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	r := New(&fakeBus{}, dispatcher, zerolog.Nop(), "g1", "inst-a")

	r.dispatch(encode(t, envelope.Bus{Kind: envelope.KindServerDisconnect, Connection: "c1", Reason: "bye"}))

	if len(dispatcher.kicked) != 1 || dispatcher.kicked[0] != "c1:bye" {
		t.Fatalf("unexpected kicked: %v", dispatcher.kicked)
	}
}

func TestDispatchBroadcast(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	r := New(&fakeBus{}, dispatcher, zerolog.Nop(), "g1", "inst-a")

	r.dispatch(encode(t, envelope.Bus{Kind: envelope.KindServerBroadcast, Message: "all"}))

	if len(dispatcher.broadcasts) != 1 || dispatcher.broadcasts[0] != "all" {
		t.Fatalf("unexpected broadcasts: %v", dispatcher.broadcasts)
	}
}

func TestDispatchMalformedPayloadIsDropped(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	r := New(&fakeBus{}, dispatcher, zerolog.Nop(), "g1", "inst-a")

	r.dispatch("not json")

	if len(dispatcher.delivered)+len(dispatcher.kicked)+len(dispatcher.broadcasts) != 0 {
		t.Fatalf("expected no dispatch on malformed payload")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan *redis.Message)}
	bus := &fakeBus{sub: sub}
	dispatcher := &fakeDispatcher{}
	r := New(bus, dispatcher, zerolog.Nop(), "g1", "inst-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
