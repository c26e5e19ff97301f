// Package queue implements the producer half of C7 and the consumer
// half of C8: a durable work queue backed by NATS JetStream. Connection
// management (reconnect policy, ping interval, event handlers) follows
// the teacher's go-server/pkg/nats.Client; stream/consumer provisioning
// is new, since the teacher only used core NATS pub/sub, never
// JetStream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/rs/zerolog"
)

const (
	maxStreamMsgs      = 4096
	maxMsgsPerSubject  = 1024
	maxMsgBytes        = 256 * 1024
	consumerMaxDeliver = 8
	maxAckPending      = 256
	ackWait            = 30 * time.Second
)

// ConnConfig mirrors the teacher's nats.Config: connection-level
// reconnect policy, unchanged in shape.
type ConnConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// Connect opens a NATS connection with the teacher's reconnect/ping
// policy plus logging event handlers in place of its metrics+log.Logger
// pair.
func Connect(cfg ConnConfig, logger zerolog.Logger) (*nats.Conn, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever, matching a durable gateway process
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logging.Error(logger, err, "nats disconnected", nil)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			logging.Error(logger, err, "nats async error", nil)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

// StreamConfig names the stream, durable consumer, and subject prefix
// for one gateway group's work queue; Name/ConsumerName come straight
// from the worker's stream.* config block.
type StreamConfig struct {
	GroupID      string
	Name         string
	ConsumerName string
}

func subjectFor(groupID string) string { return fmt.Sprintf("gw.%s.core.v1.$client", groupID) }

// streamName and consumerName are used only by this package's naming
// tests; cmd/gwctl has no fallback to them, since stream.name and
// stream.consumer_name are required worker config.
func streamName(groupID string) string   { return fmt.Sprintf("GW_%s", groupID) }
func consumerName(groupID string) string { return fmt.Sprintf("worker-%s", groupID) }

// ProvisionStream idempotently creates (or updates) the JetStream
// stream backing a group's durable work queue (§4.6).
func ProvisionStream(js nats.JetStreamContext, cfg StreamConfig) error {
	subject := subjectFor(cfg.GroupID)

	streamCfg := &nats.StreamConfig{
		Name:              cfg.Name,
		Subjects:          []string{subject},
		MaxMsgs:           maxStreamMsgs,
		MaxMsgsPerSubject: maxMsgsPerSubject,
		MaxBytes:          -1,
		MaxMsgSize:        maxMsgBytes,
		Discard:           nats.DiscardOld,
		Retention:         nats.WorkQueuePolicy,
	}

	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("failed to add stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if _, err := js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// ProvisionConsumer idempotently creates (or updates) the durable pull
// consumer workers bind to (§4.7).
func ProvisionConsumer(js nats.JetStreamContext, cfg StreamConfig) error {
	subject := subjectFor(cfg.GroupID)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    consumerMaxDeliver,
		ReplayPolicy:  nats.ReplayInstantPolicy,
		FilterSubject: subject,
		MaxAckPending: maxAckPending,
	}

	if _, err := js.ConsumerInfo(cfg.Name, cfg.ConsumerName); err != nil {
		if _, err := js.AddConsumer(cfg.Name, consumerCfg); err != nil {
			return fmt.Errorf("failed to add consumer %s: %w", cfg.ConsumerName, err)
		}
		return nil
	}
	if _, err := js.UpdateConsumer(cfg.Name, consumerCfg); err != nil {
		return fmt.Errorf("failed to update consumer %s: %w", cfg.ConsumerName, err)
	}
	return nil
}

// Producer is the C7 contract: publish a client-originated message
// into the durable work queue.
type Producer interface {
	Publish(ctx context.Context, msg envelope.Queue) error
}

// JetStreamProducer is the concrete C7 producer.
type JetStreamProducer struct {
	js      nats.JetStreamContext
	groupID string
}

// NewProducer builds a JetStreamProducer targeting groupID's subject.
func NewProducer(js nats.JetStreamContext, groupID string) *JetStreamProducer {
	return &JetStreamProducer{js: js, groupID: groupID}
}

// Publish implements Producer.
func (p *JetStreamProducer) Publish(ctx context.Context, msg envelope.Queue) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue envelope: %w", err)
	}
	_, err = p.js.Publish(subjectFor(p.groupID), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish queue envelope: %w", err)
	}
	return nil
}

// Message is the consumer-side handle for one delivered queue envelope,
// abstracting nats.Msg's Ack/Nak so worker code is testable without a
// live JetStream connection.
type Message interface {
	Envelope() envelope.Queue
	Ack() error
	Nak() error
	Term() error
}

type jsMessage struct {
	raw *nats.Msg
	env envelope.Queue
}

func (m *jsMessage) Envelope() envelope.Queue { return m.env }
func (m *jsMessage) Ack() error               { return m.raw.Ack() }
func (m *jsMessage) Nak() error               { return m.raw.Nak() }
func (m *jsMessage) Term() error              { return m.raw.Term() }

// Consumer is the C8 contract: pull a batch of queue envelopes.
type Consumer interface {
	Fetch(ctx context.Context, batch int) ([]Message, error)
}

// JetStreamConsumer is the concrete C8 consumer, a pull subscription
// bound to the provisioned durable consumer.
type JetStreamConsumer struct {
	sub *nats.Subscription
}

// NewConsumer binds a pull subscription to cfg's durable consumer.
// ProvisionStream/ProvisionConsumer must have run first.
func NewConsumer(js nats.JetStreamContext, cfg StreamConfig) (*JetStreamConsumer, error) {
	sub, err := js.PullSubscribe(subjectFor(cfg.GroupID), cfg.ConsumerName, nats.ManualAck(), nats.Bind(cfg.Name, cfg.ConsumerName))
	if err != nil {
		return nil, fmt.Errorf("failed to bind pull subscription: %w", err)
	}
	return &JetStreamConsumer{sub: sub}, nil
}

// Fetch implements Consumer.
func (c *JetStreamConsumer) Fetch(ctx context.Context, batch int) ([]Message, error) {
	msgs, err := c.sub.Fetch(batch, nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, raw := range msgs {
		var env envelope.Queue
		if err := json.Unmarshal(raw.Data, &env); err != nil {
			_ = raw.Term() // malformed payload, never redeliver
			continue
		}
		out = append(out, &jsMessage{raw: raw, env: env})
	}
	return out, nil
}
