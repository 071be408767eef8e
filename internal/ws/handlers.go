package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"whale-backend/internal/alerts"
	"whale-backend/internal/auth"
	"whale-backend/internal/ratelimit"
	"whale-backend/internal/reconnect"
	"whale-backend/internal/utils"
)

// Config holds broadcast server settings.
type Config struct {
	QueueSize         int           `long:"queue-size" env:"QUEUE_SIZE" default:"500" description:"Outbound messages buffered per subscriber before the oldest is dropped"`
	AuthTimeout       time.Duration `long:"auth-timeout" env:"AUTH_TIMEOUT" default:"10s" description:"Time a new connection has to authenticate"`
	PingInterval      time.Duration `long:"ping-interval" env:"PING_INTERVAL" default:"30s" description:"Interval between server pings"`
	PongWait          time.Duration `long:"pong-wait" env:"PONG_WAIT" default:"75s" description:"Silence after which an authenticated subscriber is dropped"`
	WriteTimeout      time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" default:"10s" description:"Write deadline per frame"`
	MaxMessageSize    int64         `long:"max-message-size" env:"MAX_MESSAGE_SIZE" default:"4096" description:"Largest client frame accepted, in bytes"`
	MaxClients        int           `long:"max-clients" env:"MAX_CLIENTS" default:"10000" description:"Concurrent subscriber limit"`
	TrustForwardedFor bool          `long:"trust-forwarded-for" env:"TRUST_FORWARDED_FOR" description:"Rate limit on the first X-Forwarded-For address"`
}

// DefaultConfig returns default server settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:      500,
		AuthTimeout:    10 * time.Second,
		PingInterval:   30 * time.Second,
		PongWait:       75 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		MaxClients:     10000,
	}
}

// Validate checks the server settings.
func (c Config) Validate() error {
	switch {
	case c.QueueSize < 1:
		return errors.New("broadcast queue size must be at least 1")
	case c.AuthTimeout <= 0:
		return errors.New("auth timeout must be positive")
	case c.PingInterval <= 0 || c.PongWait <= c.PingInterval:
		return errors.New("pong wait must exceed a positive ping interval")
	case c.WriteTimeout <= 0:
		return errors.New("write timeout must be positive")
	case c.MaxClients < 1:
		return errors.New("max clients must be at least 1")
	}
	return nil
}

type serverStats struct {
	accepted      atomic.Int64
	refused       atomic.Int64
	authSuccess   atomic.Int64
	authFailed    atomic.Int64
	authTimeouts  atomic.Int64
	rateLimited   atomic.Int64
	abuseClosures atomic.Int64
	invalid       atomic.Int64
	broadcasts    atomic.Int64
	enqueued      atomic.Int64
	dropped       atomic.Int64
	encodeErrors  atomic.Int64
}

// Server accepts subscriber connections, authenticates them and fans out
// classified events to their subscriptions.
type Server struct {
	cfg      Config
	signer   *auth.Signer
	limiter  *ratelimit.Limiter
	deriver  *alerts.Deriver
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[uint64]*Session
	closed   bool
	nextID   atomic.Uint64

	stats serverStats
}

// NewServer creates a broadcast server.
func NewServer(cfg Config, signer *auth.Signer, limiter *ratelimit.Limiter, deriver *alerts.Deriver) *Server {
	return &Server{
		cfg:     cfg,
		signer:  signer,
		limiter: limiter,
		deriver: deriver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:   utils.NewComponentLogger(utils.ComponentBroadcaster),
		sessions: make(map[uint64]*Session),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			s.logger.Error().Str("panic", fmt.Sprint(err)).Str("stack", string(debug.Stack())).Msg("websocket handler panic")
		}
	}()

	s.mu.RLock()
	full := len(s.sessions) >= s.cfg.MaxClients
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		s.stats.refused.Add(1)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	session := newSession(s.nextID.Add(1), s.clientIP(r), conn, s)
	if !s.add(session) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	s.stats.accepted.Add(1)
	session.machine.Transition(reconnect.Connecting)
	session.machine.Transition(reconnect.Authenticating)

	go session.writePump()
	session.readPump()
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) add(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[session.id] = session
	return true
}

func (s *Server) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()
}

// handleMessage processes one client frame. It returns false once the
// session has been asked to close.
func (s *Server) handleMessage(session *Session, data []byte) bool {
	decision := s.limiter.Allow(session.ip, time.Now())
	if !decision.Allowed {
		s.stats.rateLimited.Add(1)
		session.send(errorFrame(ErrorCodeRateLimited, "rate limit exceeded", decision.RetryAfter))
		if decision.Abusive {
			s.stats.abuseClosures.Add(1)
			s.logger.Warn().Uint64("session", session.id).Str("ip", session.ip).Msg("closing abusive client")
			session.closeWith(CloseRateAbuse, closeReasonAbuse)
			return false
		}
		return true
	}

	msg, err := DecodeInbound(data)

	if !session.authenticated() {
		req, ok := msg.(AuthRequest)
		if err != nil || !ok {
			s.rejectAuth(session, "authentication required")
			return false
		}
		return s.authenticate(session, req)
	}

	if err != nil {
		s.stats.invalid.Add(1)
		s.logger.Debug().Err(err).Uint64("session", session.id).Msg("invalid client message")
		session.send(errorFrame(ErrorCodeInvalidMessage, err.Error(), 0))
		return true
	}

	switch m := msg.(type) {
	case AuthRequest:
		session.send(errorFrame(ErrorCodeInvalidMessage, "already authenticated", 0))
	case SubscribeRequest:
		if !session.hasPermission(auth.PermRead) {
			session.send(errorFrame(ErrorCodeForbidden, "subscribing requires read permission", 0))
			return true
		}
		channels := session.subscribe(m.Channels)
		session.send(subscriptionAckMessage{Type: typeSubscriptionAck, Channels: channels})
	case UnsubscribeRequest:
		channels := session.unsubscribe(m.Channels)
		session.send(subscriptionAckMessage{Type: typeSubscriptionAck, Channels: channels})
	case PingRequest:
		session.enqueue(pongFrame)
	case PongRequest:
		// Read deadline already extended.
	}
	return true
}

func (s *Server) authenticate(session *Session, req AuthRequest) bool {
	claims, err := s.signer.Verify(req.Token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrExpired) {
			reason = "token expired"
		}
		s.rejectAuth(session, reason)
		return false
	}

	session.grant(claims)
	if err := session.machine.Transition(reconnect.Connected); err != nil {
		s.rejectAuth(session, "session closing")
		return false
	}
	session.armExpiry(claims.Expiry())
	session.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.stats.authSuccess.Add(1)

	perms := make([]string, len(claims.Permissions))
	for i, p := range claims.Permissions {
		perms[i] = string(p)
	}
	session.send(authSuccessMessage{
		Type:        typeAuthSuccess,
		ClientID:    claims.Subject,
		Permissions: perms,
		ExpiresAt:   claims.ExpiresAt,
	})
	s.logger.Info().Uint64("session", session.id).Str("client", claims.Subject).Str("ip", session.ip).Msg("client authenticated")
	return true
}

func (s *Server) rejectAuth(session *Session, reason string) {
	s.stats.authFailed.Add(1)
	s.logger.Warn().
		Uint64("session", session.id).
		Str("ip", session.ip).
		Str("reason", reason).
		Msg("auth rejected")
	session.send(authFailedMessage{Type: typeAuthFailed, Reason: reason})
	session.closeWith(CloseAuthFailed, reason)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Shutdown refuses new connections, sends every session a going-away close
// frame and waits for the sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	sessions := s.snapshot()
	for _, session := range sessions {
		session.closeWith(CloseGoingAway, "server shutting down")
	}
	s.logger.Info().Int("sessions", len(sessions)).Msg("closing subscriber sessions")

	for _, session := range sessions {
		select {
		case <-session.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GetStats returns server counters.
func (s *Server) GetStats() map[string]interface{} {
	authenticated := 0
	for _, session := range s.snapshot() {
		if session.authenticated() {
			authenticated++
		}
	}
	return map[string]interface{}{
		"sessions":       s.Sessions(),
		"authenticated":  authenticated,
		"accepted":       s.stats.accepted.Load(),
		"refused":        s.stats.refused.Load(),
		"auth_success":   s.stats.authSuccess.Load(),
		"auth_failed":    s.stats.authFailed.Load(),
		"auth_timeouts":  s.stats.authTimeouts.Load(),
		"rate_limited":   s.stats.rateLimited.Load(),
		"abuse_closures": s.stats.abuseClosures.Load(),
		"invalid":        s.stats.invalid.Load(),
		"broadcasts":     s.stats.broadcasts.Load(),
		"enqueued":       s.stats.enqueued.Load(),
		"dropped":        s.stats.dropped.Load(),
		"encode_errors":  s.stats.encodeErrors.Load(),
		"tracked_ips":    s.limiter.Len(),
	}
}
