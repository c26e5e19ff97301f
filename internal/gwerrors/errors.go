// Package gwerrors names the error kinds from the core's error-handling
// design (§7): sentinels recoverable code can compare against with
// errors.Is, wrapped with context at each boundary via %w.
package gwerrors

import "errors"

var (
	// ErrAuthorizerRejected is returned when the authorizer hook
	// responds with a non-200 status or fails outright.
	ErrAuthorizerRejected = errors.New("authorizer rejected connection")

	// ErrConnectHookRejected is returned when the connect hook
	// responds with a non-200 status; the caller must roll back the
	// session insert and release the ownership claim.
	ErrConnectHookRejected = errors.New("connect hook rejected connection")

	// ErrOwnershipClaim is returned when C2.claim fails; the session
	// must be rejected.
	ErrOwnershipClaim = errors.New("ownership claim failed")

	// ErrBusPublish is returned when publishing to the pub/sub bus
	// fails.
	ErrBusPublish = errors.New("bus publish failed")

	// ErrQueuePublish is returned when publishing to the durable
	// work queue fails.
	ErrQueuePublish = errors.New("queue publish failed")

	// ErrPayloadTooLarge is returned by ingress handlers when a body
	// exceeds the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload exceeds configured maximum")

	// ErrConnectionNotFound marks a benign race: a bus message
	// addressed a connection no longer present locally.
	ErrConnectionNotFound = errors.New("connection not found locally")

	// ErrSessionExists is returned when Connect is handled for a
	// connection ID already present in the session table.
	ErrSessionExists = errors.New("session already exists")

	// ErrRouteNoMatch marks a worker message that matched no regex
	// rule.
	ErrRouteNoMatch = errors.New("no route matched message")

	// ErrDestinationFailed marks a non-200 response from a forward
	// destination or rules-engine call, triggering NACK/redelivery.
	ErrDestinationFailed = errors.New("destination returned non-200")
)
