package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peermesh/peermesh/internal/auth"
	"github.com/peermesh/peermesh/internal/config"
	"github.com/peermesh/peermesh/internal/coordinator"
	"github.com/peermesh/peermesh/internal/metrics"
	"github.com/peermesh/peermesh/internal/origin"
	"github.com/peermesh/peermesh/internal/ratelimit"
	"github.com/peermesh/peermesh/internal/registry"
	"github.com/peermesh/peermesh/internal/room"
)

// Server is the websocket transport in front of the coordinator. It owns
// connection upgrade, auth, keepalive and inbound hardening; room and relay
// semantics live in coordinator.
type Server struct {
	coord *coordinator.Coordinator
	reg   *registry.Registry
	m     *metrics.Metrics
	log   *slog.Logger

	verifier auth.Verifier
	authMode config.AuthMode

	allowedOrigins []string

	authTimeout  time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration

	maxMessageBytes   int64
	messagesPerSecond int
	sendQueueDepth    int

	// clock feeds per-connection rate limiters; overridable in tests.
	clock ratelimit.Clock
}

func NewServer(cfg config.Config, coord *coordinator.Coordinator, reg *registry.Registry, verifier auth.Verifier, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		coord:    coord,
		reg:      reg,
		m:        m,
		log:      log,
		verifier: verifier,
		authMode: cfg.AuthMode,

		allowedOrigins: cfg.AllowedOrigins,

		authTimeout:  cfg.SignalingAuthTimeout,
		idleTimeout:  cfg.SignalingWSIdleTimeout,
		pingInterval: cfg.SignalingWSPingInterval,

		maxMessageBytes:   cfg.MaxSignalingMessageBytes,
		messagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		sendQueueDepth:    cfg.SendQueueDepth,

		clock: ratelimit.RealClock{},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler provides minimal routing for tests and simple deployments.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser clients send no Origin; the header only protects
		// against cross-site browser use.
		return true
	}
	normalized, host, ok := origin.Normalize(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := newConnID()
	if err != nil {
		s.log.Error("generate connection id", "err", err)
		_ = conn.Close()
		return
	}

	client := newWSClient(id, conn, s.sendQueueDepth, s.pingInterval, s.m, s.log)
	go client.writePump()

	s.serve(client, conn, r)
}

func (s *Server) serve(client *wsClient, conn *websocket.Conn, r *http.Request) {
	defer client.close()

	conn.SetReadLimit(s.maxMessageBytes)
	limiter := ratelimit.NewTokenBucket(s.clock,
		int64(s.messagesPerSecond), int64(s.messagesPerSecond))

	if !s.authenticate(client, conn, r, limiter) {
		return
	}

	out, err := s.coord.Connect(client.id, client)
	if err != nil {
		s.log.Error("register connection", "conn", client.id, "err", err)
		client.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer func() {
		s.dispatch(s.coord.Disconnect(client.id))
	}()
	s.dispatch(out)

	s.log.Info("signaling connection open", "conn", client.id, "remote", r.RemoteAddr)

	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("signaling connection closed", "conn", client.id, "err", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// The rate limit applies after the read so bytes already buffered by
		// the kernel are consumed; closing with unread data risks an abortive
		// close that hides the close reason from the client.
		if !limiter.Allow(1) {
			s.m.Inc(metrics.DropRateLimited)
			client.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.m.Inc(metrics.ProtocolViolations)
			client.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.m.Inc(metrics.ProtocolViolations)
			client.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeAuth:
			// Tolerated after authentication: clients may resend credentials
			// on reconnect logic that does not track the query-string path.
		case messageTypeReady:
			out, err := s.coord.Ready(client.id, msg.Room, msg.UserID)
			s.dispatch(out)
			if err != nil {
				client.sendError(readyErrorCode(err), err.Error())
			}
		case messageTypeSignal:
			out, err := s.coord.Signal(client.id, msg.UserID, msg.Signal)
			s.dispatch(out)
			if err != nil {
				client.sendError(signalErrorCode(err), err.Error())
			}
		}
	}
}

// authenticate resolves credentials either from the query string or from the
// first websocket message, which must arrive within the auth timeout.
func (s *Server) authenticate(client *wsClient, conn *websocket.Conn, r *http.Request, limiter *ratelimit.TokenBucket) bool {
	cred, err := auth.CredentialFromQuery(s.authMode, r.URL.Query())
	if err == nil {
		if verr := s.verifier.Verify(cred); verr != nil {
			s.m.Inc(metrics.AuthFailure)
			client.closeWith(websocket.ClosePolicyViolation, "unauthorized")
			return false
		}
		return true
	}
	if !errors.Is(err, auth.ErrMissingCredentials) {
		s.m.Inc(metrics.AuthFailure)
		client.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.m.Inc(metrics.AuthFailure)
			client.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
		return false
	}
	if !limiter.Allow(1) {
		s.m.Inc(metrics.DropRateLimited)
		client.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
		return false
	}
	if msgType != websocket.TextMessage {
		s.m.Inc(metrics.ProtocolViolations)
		client.closeWith(websocket.CloseUnsupportedData, "expected text message")
		return false
	}

	msg, perr := parseClientMessage(data)
	if perr != nil {
		s.m.Inc(metrics.ProtocolViolations)
		client.closeWith(websocket.ClosePolicyViolation, "bad message")
		return false
	}
	if msg.Type != messageTypeAuth {
		s.m.Inc(metrics.AuthFailure)
		client.closeWith(websocket.ClosePolicyViolation, "authentication required")
		return false
	}
	if verr := s.verifier.Verify(msg.APIKey); verr != nil {
		s.m.Inc(metrics.AuthFailure)
		client.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return true
}

// dispatch delivers coordinator effects. Effects addressed to connections
// that have since vanished are dropped; the departed peer's own disconnect
// already produced the corrective roster broadcast.
func (s *Server) dispatch(out []coordinator.Outbound) {
	for _, o := range out {
		c, err := s.reg.Lookup(o.To)
		if err != nil || c.Sender == nil {
			continue
		}
		c.Sender.TrySend(o.Event, o.Payload)
	}
}

func readyErrorCode(err error) string {
	if errors.Is(err, room.ErrRoomFull) {
		return "room_full"
	}
	return "internal_error"
}

func signalErrorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, coordinator.ErrUnknownRecipient):
		return "unknown_recipient"
	}
	return "internal_error"
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func newConnID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
