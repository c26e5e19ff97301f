package routing

import (
	"context"
	"errors"
	"time"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/gwerrors"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/metrics"
	"github.com/rs/zerolog"
)

// QueueMessage is the worker's view of a fetched queue envelope,
// matching internal/queue.Message's surface without importing it
// directly (keeps routing decoupled from the JetStream transport).
type QueueMessage interface {
	Envelope() envelope.Queue
	Ack() error
	Nak() error
	Term() error
}

// Router resolves a destination for one message from its text alone:
// the regex dispatch path (§4.7 step 2). Rules-engine mode uses
// RulesEngineClient instead.
type Router interface {
	Resolve(message string) (Destination, error)
}

// EngineMode selects the dispatch strategy.
type EngineMode string

const (
	EngineModeRegex EngineMode = "regex"
	EngineModeDSS   EngineMode = "dss"
)

// Worker processes one fetched message end to end: resolve a
// destination, forward it, and translate the outcome into Ack/Nak.
type Worker struct {
	Mode        EngineMode
	RegexRouter Router
	RulesEngine RulesEngineClient
	Forwarder   *Forwarder
	Logger      zerolog.Logger
	GroupID     string
}

// Process implements §4.7 steps 2-4 for a single queue message.
func (w *Worker) Process(ctx context.Context, msg QueueMessage) {
	env := msg.Envelope()

	dest, err := w.resolveDestination(ctx, env)
	if err != nil {
		if errors.Is(err, gwerrors.ErrRouteNoMatch) {
			metrics.RoutesUnmatched.Inc()
			w.Logger.Info().Str("connection", env.Data.ConnectionID).Msg("no route matched, dropping message")
			if err := msg.Ack(); err != nil {
				logging.Error(w.Logger, err, "ack failed after no-match drop", nil)
			}
			return
		}
		logging.Error(w.Logger, err, "route resolution failed", map[string]any{"connection": env.Data.ConnectionID})
		w.nack(msg)
		return
	}
	metrics.RoutesMatched.WithLabelValues(dest.Endpoint).Inc()

	forwardCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	req := envelope.ForwardRequest{
		InstanceID:   env.Data.InstanceID,
		ConnectionID: env.Data.ConnectionID,
		Endpoint:     env.Data.Endpoint,
		Time:         env.Meta.Timestamp,
		Context:      env.Data.Context,
		Message:      env.Data.Message,
	}

	if err := w.Forwarder.Forward(forwardCtx, dest, req); err != nil {
		logging.Error(w.Logger, err, "forward failed", map[string]any{"connection": env.Data.ConnectionID, "destination": dest.Endpoint})
		w.nack(msg)
		return
	}

	metrics.QueueAcks.Inc()
	if err := msg.Ack(); err != nil {
		logging.Error(w.Logger, err, "ack failed after successful forward", nil)
	}
}

func (w *Worker) resolveDestination(ctx context.Context, env envelope.Queue) (Destination, error) {
	if w.Mode == EngineModeDSS {
		req := envelope.RulesEngineRequest{
			InstanceID:   env.Data.InstanceID,
			GroupID:      w.GroupID,
			Endpoint:     env.Data.Endpoint,
			ConnectionID: env.Data.ConnectionID,
			Time:         env.Meta.Timestamp,
			Context:      env.Data.Context,
			Message:      env.Data.Message,
		}
		return w.RulesEngine.Resolve(ctx, req)
	}
	return w.RegexRouter.Resolve(env.Data.Message)
}

func (w *Worker) nack(msg QueueMessage) {
	metrics.QueueNacks.Inc()
	if err := msg.Nak(); err != nil {
		logging.Error(w.Logger, err, "nak failed", nil)
	}
}
