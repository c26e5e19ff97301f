// Package gateway implements C5, the per-process gateway server: a
// single mailbox goroutine owning the local session table, serializing
// all table mutations the same way the teacher's *Server does with its
// connections pool, processing Connect/Disconnect/Heartbeat/
// ClientMessage/ServerMessage/ServerDisconnect/BroadcastServerMessage
// commands strictly FIFO.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/gwerrors"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/metrics"
	"github.com/rs/zerolog"
)

// Ownership is the C2 contract the gateway depends on.
type Ownership interface {
	Claim(ctx context.Context, connection, instance string) error
	Refresh(ctx context.Context, connection, instance string) error
	Release(ctx context.Context, connection, instance string) error
	OwnerOf(ctx context.Context, connection string) (string, error)
}

// Bus is the C3 publish-side contract the gateway depends on.
type Bus interface {
	PublishToInstance(ctx context.Context, instance string, env envelope.Bus) error
	PublishBroadcast(ctx context.Context, env envelope.Bus) error
}

// QueuePublisher is the C7 contract the gateway depends on for
// ClientMessage dispatch.
type QueuePublisher interface {
	Publish(ctx context.Context, msg envelope.Queue) error
}

// SessionHandle is what the gateway needs from a live C4 actor to
// deliver local commands.
type SessionHandle interface {
	Deliver(message string)
	Kick(reason string)
}

// HookConfig names an external HTTP collaborator.
type HookConfig struct {
	Endpoint string
	Headers  map[string]string
}

type sessionEntry struct {
	endpoint string
	handle   SessionHandle
	context  map[string]any
}

// Gateway is C5.
type Gateway struct {
	instanceID string
	groupID    string

	ownership Ownership
	bus       Bus
	queue     QueuePublisher
	logger    zerolog.Logger

	connectHook    *HookConfig
	disconnectHook *HookConfig
	httpClient     *http.Client

	mu      sync.RWMutex
	table   map[string]*sessionEntry
	index   *endpointIndex
	liveCount int64

	mailbox chan func()
}

// Config carries the gateway's identity and optional lifecycle hooks.
type Config struct {
	InstanceID     string
	GroupID        string
	ConnectHook    *HookConfig
	DisconnectHook *HookConfig
}

// New builds a Gateway and starts its mailbox goroutine.
func New(ctx context.Context, cfg Config, ownership Ownership, bus Bus, queue QueuePublisher, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		instanceID:     cfg.InstanceID,
		groupID:        cfg.GroupID,
		ownership:      ownership,
		bus:            bus,
		queue:          queue,
		logger:         logger,
		connectHook:    cfg.ConnectHook,
		disconnectHook: cfg.DisconnectHook,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		table:   make(map[string]*sessionEntry),
		index:   newEndpointIndex(),
		mailbox: make(chan func(), 4096),
	}
	go g.run(ctx)
	return g
}

// run is the single logical task that owns all session table writes,
// per §5's "all mutations on one task" rule.
func (g *Gateway) run(ctx context.Context) {
	defer logging.RecoverPanic(g.logger, "gateway.run", nil)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.mailbox:
			cmd()
		}
	}
}

// LiveCount returns the current number of live sessions, used by
// internal/platform's admission control.
func (g *Gateway) LiveCount() *int64 { return &g.liveCount }

// RegisterHandle attaches a live session handle once a session has been
// inserted via Connect, letting the router dispatcher and ingress
// reach it for delivery.
func (g *Gateway) RegisterHandle(connectionID string, handle SessionHandle) {
	reply := make(chan struct{})
	g.mailbox <- func() {
		defer close(reply)
		g.mu.Lock()
		defer g.mu.Unlock()
		if entry, ok := g.table[connectionID]; ok {
			entry.handle = handle
		}
	}
	<-reply
}

// Connect implements the Connect message: insert into table, C2.claim,
// optional connect hook. Synchronous: the session actor awaits this
// before transitioning to Live.
func (g *Gateway) Connect(connectionID, endpoint string, now time.Time) error {
	type result struct{ err error }
	reply := make(chan result, 1)

	g.mailbox <- func() {
		g.mu.Lock()
		if _, exists := g.table[connectionID]; exists {
			g.mu.Unlock()
			reply <- result{gwerrors.ErrSessionExists}
			return
		}
		g.table[connectionID] = &sessionEntry{endpoint: endpoint}
		g.index.Add(endpoint, connectionID)
		atomic.AddInt64(&g.liveCount, 1)
		g.mu.Unlock()

		// HTTP calls and KV writes happen outside the table lock, per
		// §5: no suspension point may be held while holding the
		// session table's write lock.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := g.ownership.Claim(ctx, connectionID, g.instanceID); err != nil {
			g.mu.Lock()
			delete(g.table, connectionID)
			g.mu.Unlock()
			g.index.Remove(endpoint, connectionID)
			atomic.AddInt64(&g.liveCount, -1)
			reply <- result{fmt.Errorf("%w: %v", gwerrors.ErrOwnershipClaim, err)}
			return
		}

		if g.connectHook != nil {
			if err := g.postHook(ctx, *g.connectHook, envelope.LifecycleRequest{
				InstanceID: g.instanceID, GroupID: g.groupID, Endpoint: endpoint,
				ConnectionID: connectionID, Time: now,
			}); err != nil {
				_ = g.ownership.Release(ctx, connectionID, g.instanceID)
				g.mu.Lock()
				delete(g.table, connectionID)
				g.mu.Unlock()
				g.index.Remove(endpoint, connectionID)
				atomic.AddInt64(&g.liveCount, -1)
				reply <- result{fmt.Errorf("%w: %v", gwerrors.ErrConnectHookRejected, err)}
				return
			}
		}

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()
		reply <- result{nil}
	}

	return (<-reply).err
}

// Disconnect implements the Disconnect message: release ownership,
// remove from table, best-effort disconnect hook.
func (g *Gateway) Disconnect(connectionID, endpoint string, now time.Time) {
	g.mailbox <- func() {
		g.mu.Lock()
		entry, ok := g.table[connectionID]
		if !ok {
			g.mu.Unlock()
			return
		}
		delete(g.table, connectionID)
		g.mu.Unlock()

		g.index.Remove(entry.endpoint, connectionID)
		atomic.AddInt64(&g.liveCount, -1)
		metrics.ConnectionsActive.Dec()
		metrics.DisconnectsTotal.WithLabelValues("normal", "client").Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.ownership.Release(ctx, connectionID, g.instanceID)

		if g.disconnectHook != nil {
			_ = g.postHook(ctx, *g.disconnectHook, envelope.LifecycleRequest{
				InstanceID: g.instanceID, GroupID: g.groupID, Endpoint: entry.endpoint,
				ConnectionID: connectionID, Time: now,
			})
		}
	}
}

// Heartbeat implements the Heartbeat message: C2.refresh.
func (g *Gateway) Heartbeat(connectionID string, now time.Time) {
	g.mailbox <- func() {
		g.mu.RLock()
		_, ok := g.table[connectionID]
		g.mu.RUnlock()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.ownership.Refresh(ctx, connectionID, g.instanceID); err != nil {
			metrics.OwnershipRefreshFailures.Inc()
			logging.Error(g.logger, err, "ownership refresh failed", map[string]any{"connection": connectionID})
		}
	}
}

// ClientMessage implements the ClientMessage message: publish the
// queue envelope (C7).
func (g *Gateway) ClientMessage(connectionID, endpoint string, now time.Time, ctxFields map[string]any, payload string) {
	g.mailbox <- func() {
		metrics.MessagesFromClient.Inc()
		if g.queue == nil {
			metrics.QueuePublishFailures.Inc()
			logging.Error(g.logger, gwerrors.ErrQueuePublish, "no queue publisher configured", map[string]any{"connection": connectionID})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		env := envelope.Queue{
			Meta: envelope.QueueMeta{ID: newOpaqueID(), Timestamp: now.UTC()},
			Data: envelope.QueueData{
				InstanceID: g.instanceID, ConnectionID: connectionID,
				Endpoint: endpoint, Context: ctxFields, Message: payload,
			},
		}
		if err := g.queue.Publish(ctx, env); err != nil {
			metrics.QueuePublishFailures.Inc()
			logging.Error(g.logger, err, "queue publish failed", map[string]any{"connection": connectionID})
		}
	}
}

// ServerMessage implements the ServerMessage message: resolve the
// owner and publish ServerToClient on its instance topic.
func (g *Gateway) ServerMessage(connectionID, message string, now time.Time) {
	g.mailbox <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		owner, err := g.ownership.OwnerOf(ctx, connectionID)
		if err != nil || owner == "" {
			return
		}
		env := envelope.Bus{Kind: envelope.KindServerToClient, Time: now.UTC(), Connection: connectionID, Message: message}
		if err := g.bus.PublishToInstance(ctx, owner, env); err != nil {
			metrics.BusPublishFailures.Inc()
			logging.Error(g.logger, err, "bus publish failed", map[string]any{"connection": connectionID})
		} else {
			metrics.MessagesToClient.Inc()
		}
	}
}

// ServerDisconnect implements the ServerDisconnect message.
func (g *Gateway) ServerDisconnect(connectionID, reason string, now time.Time) {
	g.mailbox <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		owner, err := g.ownership.OwnerOf(ctx, connectionID)
		if err != nil || owner == "" {
			return
		}
		env := envelope.Bus{Kind: envelope.KindServerDisconnect, Time: now.UTC(), Connection: connectionID, Reason: reason}
		if err := g.bus.PublishToInstance(ctx, owner, env); err != nil {
			metrics.BusPublishFailures.Inc()
			logging.Error(g.logger, err, "bus publish failed", map[string]any{"connection": connectionID})
		}
	}
}

// BroadcastServerMessage implements the BroadcastServerMessage message.
// Per the publish-side fanout decision (DESIGN.md), each targeted
// endpoint is published as a separate broadcast envelope.
func (g *Gateway) BroadcastServerMessage(message string, endpoints []string, now time.Time) {
	g.mailbox <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if len(endpoints) == 0 {
			env := envelope.Bus{Kind: envelope.KindServerBroadcast, Time: now.UTC(), Message: message}
			if err := g.bus.PublishBroadcast(ctx, env); err != nil {
				metrics.BusPublishFailures.Inc()
			}
			return
		}
		for _, ep := range endpoints {
			env := envelope.Bus{Kind: envelope.KindServerBroadcast, Time: now.UTC(), Endpoint: ep, Message: message}
			if err := g.bus.PublishBroadcast(ctx, env); err != nil {
				metrics.BusPublishFailures.Inc()
			}
		}
	}
}

// DeliverToClient is the router.Dispatcher method invoked by C3 for a
// ServerToClient envelope addressed to a locally-owned connection.
func (g *Gateway) DeliverToClient(connection, message string) {
	g.mu.RLock()
	entry, ok := g.table[connection]
	g.mu.RUnlock()
	if !ok || entry.handle == nil {
		g.ConnectionNotFound(connection)
		return
	}
	entry.handle.Deliver(message)
}

// KickClient is the router.Dispatcher method invoked by C3 for a
// ServerDisconnect envelope.
func (g *Gateway) KickClient(connection, reason string) {
	g.mu.RLock()
	entry, ok := g.table[connection]
	g.mu.RUnlock()
	if !ok || entry.handle == nil {
		return
	}
	entry.handle.Kick(reason)
}

// BroadcastLocal is the router.Dispatcher method invoked by C3 for a
// ServerBroadcast envelope: deliver to every locally-live session
// matching endpoints (or all sessions when endpoints is empty).
func (g *Gateway) BroadcastLocal(message string, endpoints []string) {
	var ids []string
	if len(endpoints) == 0 {
		ids = g.index.All()
	} else {
		for _, ep := range endpoints {
			ids = append(ids, g.index.Get(ep)...)
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range ids {
		if entry, ok := g.table[id]; ok && entry.handle != nil {
			entry.handle.Deliver(message)
		}
	}
}

// ConnectionNotFound records the benign race described in §4.2: a bus
// message addressed a connection no longer present locally.
func (g *Gateway) ConnectionNotFound(connection string) {
	g.logger.Debug().Str("connection", connection).Msg("connection not found locally")
}

func (g *Gateway) postHook(ctx context.Context, hook HookConfig, body any) error {
	return postJSON(ctx, g.httpClient, hook.Endpoint, hook.Headers, body, nil)
}
