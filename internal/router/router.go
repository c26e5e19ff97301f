// Package router implements C3, the instance router: the single
// long-running subscriber over the ownership bus's per-instance and
// broadcast pub/sub topics, dispatching decoded envelopes into the
// local session table. Backed by redis.PubSub, the same way the
// teacher's BroadcastBus (internal/multi/broadcast.go) fans in-process
// channel traffic out to subscribers — generalized here from in-process
// channels to cross-instance Redis pub/sub.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Dispatcher is what C5's session table exposes to the router: local
// lookup and delivery, independent of any particular gateway struct.
type Dispatcher interface {
	DeliverToClient(connection, message string)
	KickClient(connection, reason string)
	BroadcastLocal(message string, endpoints []string)
	ConnectionNotFound(connection string)
}

// Subscription is the minimal pub/sub contract the router depends on,
// standing in for *redis.PubSub in tests.
type Subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// Bus opens subscriptions; production code wraps *redis.Client.
type Bus interface {
	Subscribe(ctx context.Context, channels ...string) Subscription
}

// reconnectBackoff is the delay between a failed subscription (its
// channel closing) and the next subscribe attempt. A bus envelope that
// fails to decode is logged and dropped without any delay.
const reconnectBackoff = 5 * time.Second

// Router is C3.
type Router struct {
	bus        Bus
	dispatcher Dispatcher
	logger     zerolog.Logger
	groupID    string
	instanceID string

	healthy bool
}

// New builds a Router for the given instance within groupID.
func New(bus Bus, dispatcher Dispatcher, logger zerolog.Logger, groupID, instanceID string) *Router {
	return &Router{
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger,
		groupID:    groupID,
		instanceID: instanceID,
		healthy:    true,
	}
}

func (r *Router) instanceTopic() string { return fmt.Sprintf("gw:%s:%s", r.groupID, r.instanceID) }
func (r *Router) broadcastTopic() string { return fmt.Sprintf("gw:%s:broadcast", r.groupID) }

// Healthy reports whether the subscription loop considers itself able
// to receive. The gateway's /health endpoint does not consult it and
// always reports up.
func (r *Router) Healthy() bool { return r.healthy }

// Run subscribes to this instance's topic plus the broadcast topic and
// dispatches until ctx is cancelled. Reconnection is handled by the
// bus client transparently; repeated resubscribe failures mark the
// router unhealthy.
func (r *Router) Run(ctx context.Context) {
	defer logging.RecoverPanic(r.logger, "router.Run", nil)

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub := r.bus.Subscribe(ctx, r.instanceTopic(), r.broadcastTopic())
		if err := r.drain(ctx, sub); err != nil {
			consecutiveFailures++
			logging.Error(r.logger, err, "router subscription error", map[string]any{
				"consecutive_failures": consecutiveFailures,
			})
			if consecutiveFailures >= 5 {
				r.healthy = false
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}
		consecutiveFailures = 0
		r.healthy = true
	}
}

// drain reads from sub until it closes or ctx is cancelled, dispatching
// each decoded message. A closed channel is reported as an error so Run
// can back off and resubscribe.
func (r *Router) drain(ctx context.Context, sub Subscription) error {
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			r.dispatch(msg.Payload)
		}
	}
}

func (r *Router) dispatch(payload string) {
	var env envelope.Bus
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logging.Error(r.logger, err, "failed to decode bus envelope", map[string]any{"payload": payload})
		return
	}

	switch env.Kind {
	case envelope.KindServerToClient:
		r.dispatcher.DeliverToClient(env.Connection, env.Message)
	case envelope.KindServerDisconnect:
		r.dispatcher.KickClient(env.Connection, env.Reason)
	case envelope.KindServerBroadcast:
		var endpoints []string
		if env.Endpoint != "" {
			endpoints = []string{env.Endpoint}
		}
		r.dispatcher.BroadcastLocal(env.Message, endpoints)
	default:
		r.logger.Warn().Str("kind", string(env.Kind)).Msg("unknown bus envelope kind")
	}
}

// RedisBus adapts *redis.Client to the Bus interface.
type RedisBus struct {
	Client *redis.Client
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) Subscription {
	return redisSubscription{b.Client.Subscribe(ctx, channels...)}
}

// redisSubscription narrows *redis.PubSub, whose Channel method takes
// optional settings, to the Subscription interface.
type redisSubscription struct {
	*redis.PubSub
}

func (s redisSubscription) Channel() <-chan *redis.Message { return s.PubSub.Channel() }

// Publisher publishes bus envelopes; used by internal/gateway when
// handling ServerMessage/ServerDisconnect/BroadcastServerMessage.
type Publisher struct {
	Client  *redis.Client
	GroupID string
}

func (p *Publisher) publish(ctx context.Context, topic string, env envelope.Bus) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode bus envelope: %w", err)
	}
	return p.Client.Publish(ctx, topic, data).Err()
}

// PublishToInstance publishes env on the named instance's own topic.
func (p *Publisher) PublishToInstance(ctx context.Context, instance string, env envelope.Bus) error {
	return p.publish(ctx, fmt.Sprintf("gw:%s:%s", p.GroupID, instance), env)
}

// PublishBroadcast publishes env on the group-wide broadcast topic.
func (p *Publisher) PublishBroadcast(ctx context.Context, env envelope.Bus) error {
	return p.publish(ctx, fmt.Sprintf("gw:%s:broadcast", p.GroupID), env)
}
