// Package session implements C4, the session actor: one goroutine pair
// (read/write pump) per live socket, running the Opening/Live/Closing
// state machine from the spec. Socket I/O reuses the teacher's
// gobwas/ws + wsutil pump split (internal/shared/pump_read.go,
// pump_write.go) and its writeWait/pongWait/pingPeriod constants;
// the client protocol itself — plain ping/pong heartbeat and
// Connect/Disconnect/Heartbeat/ClientMessage commands to the gateway
// mailbox — replaces the teacher's trading-specific subscribe/
// reconnect protocol.
package session

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// state is the session actor's lifecycle phase (§4.3).
type state int32

const (
	stateOpening state = iota
	stateLive
	stateClosing
)

// Gateway is what C5 exposes to a session actor: fire-and-forget
// command emission plus the blocking initial Connect ack.
type Gateway interface {
	Connect(connectionID, endpoint string, now time.Time) error
	Disconnect(connectionID, endpoint string, now time.Time)
	Heartbeat(connectionID string, now time.Time)
	ClientMessage(connectionID, endpoint string, now time.Time, context map[string]any, payload string)
}

// CloseReason is carried on a policy-violation close triggered by C3
// (Kick) or by a heartbeat timeout.
type CloseReason struct {
	Code   ws.StatusCode
	Reason string
}

// Session is one actor over one upgraded socket.
type Session struct {
	ID       string
	Endpoint string
	Context  map[string]any

	conn    net.Conn
	gateway Gateway
	logger  zerolog.Logger

	send chan []byte
	kick chan CloseReason

	state         int32 // atomic state
	lastHeartbeat atomic.Value // time.Time

	closeOnce sync.Once
}

// HeartbeatInterval and Timeout are supplied by the gateway config;
// they drive the periodic timer in the read loop's idle-detection.
type Config struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// New constructs a Session in the Opening state. Callers must call
// Open, and start ReadPump and WritePump only after it succeeds.
func New(id, endpoint string, conn net.Conn, gateway Gateway, logger zerolog.Logger) *Session {
	s := &Session{
		ID:       id,
		Endpoint: endpoint,
		conn:     conn,
		gateway:  gateway,
		logger:   logger,
		send:     make(chan []byte, 256),
		kick:     make(chan CloseReason, 1),
	}
	s.lastHeartbeat.Store(time.Now())
	atomic.StoreInt32(&s.state, int32(stateOpening))
	return s
}

// Open performs the Opening → Live/Closing transition: emits Connect
// and awaits the ack, per §4.3.
func (s *Session) Open(now time.Time) error {
	if err := s.gateway.Connect(s.ID, s.Endpoint, now); err != nil {
		atomic.StoreInt32(&s.state, int32(stateClosing))
		return err
	}
	atomic.StoreInt32(&s.state, int32(stateLive))
	return nil
}

// Deliver queues a server-originated text frame for this session, the
// C3 dispatcher's ServerToClient delivery path.
func (s *Session) Deliver(message string) {
	select {
	case s.send <- []byte(message):
	default:
		s.logger.Warn().Str("connection", s.ID).Msg("send buffer full, dropping message")
	}
}

// Kick transitions the session to Closing with a policy-violation
// close code, the C3 dispatcher's ServerDisconnect delivery path.
func (s *Session) Kick(reason string) {
	select {
	case s.kick <- CloseReason{Code: ws.StatusPolicyViolation, Reason: reason}:
	default:
	}
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now())
}

func (s *Session) idleDuration(now time.Time) time.Duration {
	last := s.lastHeartbeat.Load().(time.Time)
	return now.Sub(last)
}

// ReadPump reads frames until the socket closes or a heartbeat timeout
// fires, dispatching commands to the gateway mailbox. Call as its own
// goroutine.
func (s *Session) ReadPump(cfg Config) {
	defer logging.RecoverPanic(s.logger, "session.ReadPump", map[string]any{"connection": s.ID})
	defer s.closeOnce.Do(func() { s.transitionClosing("") })

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	defer close(done)
	go s.idleTimer(cfg, done)

	for {
		select {
		case reason := <-s.kick:
			s.sendClose(reason)
			return
		default:
		}

		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			now := time.Now()
			s.gateway.ClientMessage(s.ID, s.Endpoint, now, s.Context, string(msg))
		case ws.OpBinary:
			s.Deliver(string(msg)) // binary passthrough: echo, no server-side routing
		case ws.OpPing:
			s.touchHeartbeat()
			s.gateway.Heartbeat(s.ID, time.Now())
		case ws.OpPong:
			s.touchHeartbeat()
			s.gateway.Heartbeat(s.ID, time.Now())
		case ws.OpClose:
			return
		case ws.OpContinuation:
			return
		}
	}
}

// idleTimer fires Disconnect and requests a close once the session has
// gone silent for longer than cfg.Timeout.
func (s *Session) idleTimer(cfg Config, done <-chan struct{}) {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if s.idleDuration(now) > cfg.Timeout {
				s.Kick("heartbeat timeout")
				return
			}
			select {
			case s.send <- nil: // nil signals writePump to send a ping out-of-band
			default:
			}
		}
	}
}

func (s *Session) sendClose(reason CloseReason) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(reason.Code, reason.Reason)
	wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
}

func (s *Session) transitionClosing(reason string) {
	atomic.StoreInt32(&s.state, int32(stateClosing))
	s.gateway.Disconnect(s.ID, s.Endpoint, time.Now())
}

// WritePump batches queued frames and periodic pings to the socket,
// the teacher's buffered-writer batching technique applied unchanged.
func (s *Session) WritePump() {
	defer logging.RecoverPanic(s.logger, "session.WritePump", map[string]any{"connection": s.ID})

	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeOnce.Do(func() { s.conn.Close() })
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				wsutil.WriteServerMessage(s.conn, ws.OpClose, []byte{})
				return
			}
			if message == nil {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
					return
				}
				continue
			}

			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}

			n := len(s.send)
			for i := 0; i < n; i++ {
				next := <-s.send
				if next == nil {
					continue
				}
				if err := wsutil.WriteServerMessage(writer, ws.OpText, next); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
