// Package routing implements the worker side of C8: decide a
// destination for a queued client message, either via an ordered
// regex-rule table (first match wins) or a dynamic rules-engine HTTP
// call, then forward the message and translate the outcome into an
// ACK or NACK for the caller to apply to the queue message.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/gwerrors"
)

// Destination is a resolved forwarding target.
type Destination struct {
	Endpoint string
	Headers  map[string]string
}

// Rule is one configured regex rule: pattern matched against
// data.message, first match wins.
type Rule struct {
	Pattern string
	Route   Destination
}

// regexCache compiles each pattern once, process-wide, keyed by
// pattern text, per §4.7's "compiled regex cache (worker): process-wide,
// keyed by pattern text."
type regexCache struct {
	entries sync.Map // pattern string -> *regexp.Regexp
}

func (c *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.entries.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex rule %q: %w", pattern, err)
	}
	actual, _ := c.entries.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// sharedRegexCache is the single cache every RegexRouter in the process
// uses.
var sharedRegexCache = &regexCache{}

// RegexRouter resolves a destination by first-match against an ordered
// rule list.
type RegexRouter struct {
	rules []Rule
	cache *regexCache
}

// NewRegexRouter builds a router over rules, in the given priority
// order.
func NewRegexRouter(rules []Rule) *RegexRouter {
	return &RegexRouter{rules: rules, cache: sharedRegexCache}
}

// Resolve returns the first rule whose pattern matches message, or
// gwerrors.ErrRouteNoMatch if none do.
func (r *RegexRouter) Resolve(message string) (Destination, error) {
	for _, rule := range r.rules {
		re, err := r.cache.compile(rule.Pattern)
		if err != nil {
			return Destination{}, err
		}
		if re.MatchString(message) {
			return rule.Route, nil
		}
	}
	return Destination{}, gwerrors.ErrRouteNoMatch
}

// RulesEngineClient is the C8 contract for the dynamic-rules-engine
// dispatch path; the production implementation is a plain HTTP client,
// isolated behind this interface so worker logic is testable without
// a live rules-engine service.
type RulesEngineClient interface {
	Resolve(ctx context.Context, req envelope.RulesEngineRequest) (Destination, error)
}

// HTTPRulesEngineClient POSTs to a configured rules-engine URL and
// expects a 200 JSON {endpoint, headers} response (§4.7).
type HTTPRulesEngineClient struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

// Resolve implements RulesEngineClient.
func (c *HTTPRulesEngineClient) Resolve(ctx context.Context, req envelope.RulesEngineRequest) (Destination, error) {
	var resp envelope.RulesEngineResponse
	if err := postJSON(ctx, c.Client, c.URL, c.Headers, req, &resp); err != nil {
		return Destination{}, fmt.Errorf("%w: %v", gwerrors.ErrDestinationFailed, err)
	}
	return Destination{Endpoint: resp.Endpoint, Headers: resp.Headers}, nil
}

// Forwarder POSTs the resolved ForwardRequest to its destination.
type Forwarder struct {
	Client *http.Client
}

// NewForwarder builds a Forwarder around client as given; the caller
// chooses the client's timeout.
func NewForwarder(client *http.Client) *Forwarder {
	return &Forwarder{Client: client}
}

// Forward POSTs req to dest.Endpoint with dest.Headers. A non-200
// response or transport error is a destination failure, which the
// caller must translate into a NACK.
func (f *Forwarder) Forward(ctx context.Context, dest Destination, req envelope.ForwardRequest) error {
	if err := postJSON(ctx, f.Client, dest.Endpoint, dest.Headers, req, nil); err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrDestinationFailed, err)
	}
	return nil
}
