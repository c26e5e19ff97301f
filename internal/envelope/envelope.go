// Package envelope holds the wire types carried over the ownership bus
// (KV pub/sub) and the durable work queue. Both are plain JSON structs,
// not a tagged union type — the bus envelope uses a Kind discriminant
// field the same way the teacher's client protocol switches on req.Type.
package envelope

import "time"

// BusKind discriminates the variants carried over the per-instance and
// broadcast pub/sub topics (gw:{group}:{instance}, gw:{group}:broadcast).
type BusKind string

const (
	KindServerToClient  BusKind = "server_to_client"
	KindServerDisconnect BusKind = "server_disconnect"
	KindServerBroadcast BusKind = "server_broadcast"
)

// Bus is the envelope published on the ownership bus. Connection is
// empty for the broadcast variant; Endpoint is set only on a broadcast
// restricted to one endpoint.
type Bus struct {
	Kind       BusKind   `json:"kind"`
	Time       time.Time `json:"time"`
	Connection string    `json:"connection,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"` // set only for per-endpoint broadcast fanout
	Message    string    `json:"message,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// QueueMeta is the durable-queue envelope's metadata block.
type QueueMeta struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueData is the durable-queue envelope's payload block, carrying a
// single client-originated message into the worker pipeline.
type QueueData struct {
	InstanceID   string                 `json:"instance_id"`
	ConnectionID string                 `json:"connection_id"`
	Endpoint     string                 `json:"endpoint"`
	Context      map[string]any         `json:"context,omitempty"`
	Message      string                 `json:"message"`
}

// Queue is the durable work-queue envelope (§3, §4.6/§4.7).
type Queue struct {
	Meta QueueMeta `json:"meta"`
	Data QueueData `json:"data"`
}

// AuthorizerRequest is POSTed to the configured authorizer hook at
// upgrade time.
type AuthorizerRequest struct {
	InstanceID   string     `json:"instance_id"`
	GroupID      string     `json:"group_id"`
	Endpoint     string     `json:"endpoint"`
	ConnectionID string     `json:"connection_id"`
	Time         time.Time  `json:"time"`
	Headers      [][2]string `json:"headers,omitempty"`
}

// AuthorizerResponse is the expected 200 response body from the
// authorizer hook.
type AuthorizerResponse struct {
	Context map[string]any `json:"context"`
}

// LifecycleRequest is POSTed to the connect/disconnect hooks.
type LifecycleRequest struct {
	InstanceID   string    `json:"instance_id"`
	GroupID      string    `json:"group_id"`
	Endpoint     string    `json:"endpoint"`
	ConnectionID string    `json:"connection_id"`
	Time         time.Time `json:"time"`
}

// RulesEngineRequest is POSTed to the configured rules-engine URL in
// dss (dynamic rules-engine) mode.
type RulesEngineRequest struct {
	InstanceID   string         `json:"instance_id"`
	GroupID      string         `json:"group_id,omitempty"`
	Endpoint     string         `json:"endpoint"`
	ConnectionID string         `json:"connection_id"`
	Time         time.Time      `json:"time"`
	Context      map[string]any `json:"context"`
	Message      string         `json:"message"`
}

// RulesEngineResponse is the expected 200 response from the
// rules-engine: the resolved destination and any headers to forward
// with.
type RulesEngineResponse struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
}

// ForwardRequest is POSTed to the resolved destination — whichever
// regex rule or rules-engine response named it.
type ForwardRequest struct {
	InstanceID   string         `json:"instance_id"`
	ConnectionID string         `json:"connection_id"`
	Endpoint     string         `json:"endpoint"`
	Time         time.Time      `json:"time"`
	Context      map[string]any `json:"context"`
	Message      string         `json:"message"`
}
