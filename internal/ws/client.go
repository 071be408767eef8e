package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"whale-backend/internal/auth"
	"whale-backend/internal/models"
	"whale-backend/internal/reconnect"
	"whale-backend/internal/utils"
)

type closeFrame struct {
	code   int
	reason string
}

// Session is one subscriber connection. The read pump owns inbound traffic,
// the write pump owns the socket for writing; everything else talks to the
// socket through the outbound queue.
type Session struct {
	id     uint64
	ip     string
	conn   *websocket.Conn
	server *Server

	queue    *utils.DropOldestQueue[[]byte]
	machine  *reconnect.Machine
	closing  chan closeFrame
	readDone chan struct{}
	done     chan struct{}

	mu       sync.RWMutex
	claims   auth.Claims
	channels models.ChannelSet
	expiry   *time.Timer

	delivered int64
}

func newSession(id uint64, ip string, conn *websocket.Conn, server *Server) *Session {
	s := &Session{
		id:       id,
		ip:       ip,
		conn:     conn,
		server:   server,
		queue:    utils.NewDropOldestQueue[[]byte](server.cfg.QueueSize),
		machine:  reconnect.NewMachine(),
		closing:  make(chan closeFrame, 1),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		channels: models.NewChannelSet(),
	}
	s.machine.Observe(func(from, to reconnect.State) {
		server.logger.Debug().Uint64("session", id).Str("from", from.String()).Str("to", to.String()).Msg("session state")
	})
	return s
}

// ID returns the connection id.
func (s *Session) ID() uint64 { return s.id }

// IP returns the client address used for rate limiting.
func (s *Session) IP() string { return s.ip }

// State returns the session state.
func (s *Session) State() reconnect.State { return s.machine.State() }

// ClientID returns the token subject once authenticated.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Subject
}

// Subscribed reports whether the session receives channel c.
func (s *Session) Subscribed(c models.Channel) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels.Has(c)
}

// Channels returns the current subscriptions.
func (s *Session) Channels() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels.List()
}

// Dropped returns how many queued messages were discarded for this session.
func (s *Session) Dropped() int64 { return s.queue.Dropped() }

func (s *Session) authenticated() bool {
	return s.machine.State() == reconnect.Connected
}

func (s *Session) grant(claims auth.Claims) {
	s.mu.Lock()
	s.claims = claims
	s.mu.Unlock()
}

func (s *Session) hasPermission(p auth.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Has(p)
}

func (s *Session) subscribe(channels []models.Channel) []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	return s.channels.List()
}

func (s *Session) unsubscribe(channels []models.Channel) []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
	return s.channels.List()
}

// enqueue hands a frame to the write pump without blocking. It reports false
// when an older frame was dropped or the session is gone.
func (s *Session) enqueue(frame []byte) bool {
	return s.queue.Push(frame)
}

// send encodes v and queues it. A value that cannot be encoded is logged
// and dropped.
func (s *Session) send(v any) {
	frame, err := encode(v)
	if err != nil {
		s.server.stats.encodeErrors.Add(1)
		s.server.logger.Error().Err(err).Uint64("session", s.id).Msg("dropping unencodable message")
		return
	}
	s.enqueue(frame)
}

// closeWith asks the write pump to flush queued frames, send a close frame
// and hang up. Only the first request counts.
func (s *Session) closeWith(code int, reason string) {
	select {
	case s.closing <- closeFrame{code: code, reason: reason}:
	default:
	}
}

// armExpiry closes the session when its token runs out.
func (s *Session) armExpiry(at time.Time) {
	d := time.Until(at)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = time.AfterFunc(d, func() {
		s.server.logger.Info().Uint64("session", s.id).Str("client", s.ClientID()).Msg("token expired")
		s.send(authFailedMessage{Type: typeAuthFailed, Reason: closeReasonExpiry})
		s.closeWith(CloseAuthFailed, closeReasonExpiry)
	})
}

// writePump is the only writer on the socket.
func (s *Session) writePump() {
	defer s.teardown()

	cfg := s.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-s.queue.C():
			if !ok {
				return
			}
			if err := s.write(frame); err != nil {
				s.server.logger.Debug().Err(err).Uint64("session", s.id).Msg("write failed")
				return
			}
			atomic.AddInt64(&s.delivered, 1)

		case <-ticker.C:
			if !s.authenticated() {
				continue
			}
			if err := s.write(pingFrame); err != nil {
				return
			}

		case f := <-s.closing:
			s.flushAndClose(f)
			return

		case <-s.readDone:
			// A close requested by the reader happens before readDone closes.
			select {
			case f := <-s.closing:
				s.flushAndClose(f)
			default:
			}
			return
		}
	}
}

func (s *Session) write(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// flushAndClose writes whatever is queued, then the close frame, all under a
// single write deadline.
func (s *Session) flushAndClose(f closeFrame) {
	deadline := time.Now().Add(s.server.cfg.WriteTimeout)
	s.conn.SetWriteDeadline(deadline)
drain:
	for {
		select {
		case frame, ok := <-s.queue.C():
			if !ok {
				break drain
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			break drain
		}
	}
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason), deadline)
}

// readPump reads client frames until the connection fails. During the auth
// window the read deadline is the auth timeout; afterwards every frame and
// every pong extends it.
func (s *Session) readPump() {
	defer close(s.readDone)

	cfg := s.server.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	s.conn.SetPongHandler(func(string) error {
		if s.authenticated() {
			s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		}
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}
		if s.authenticated() {
			s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		}
		if !s.server.handleMessage(s, data) {
			return
		}
	}
}

func (s *Session) readFailed(err error) {
	log := s.server.logger
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug().Uint64("session", s.id).Msg("client closed")
	case errors.As(err, &netErr) && netErr.Timeout() && s.machine.State() == reconnect.Authenticating:
		log.Info().Uint64("session", s.id).Str("ip", s.ip).Msg("auth timeout")
		s.server.stats.authTimeouts.Add(1)
		s.closeWith(CloseAuthTimeout, "auth timeout")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		log.Debug().Err(err).Uint64("session", s.id).Msg("unexpected close")
	default:
		log.Debug().Err(err).Uint64("session", s.id).Msg("read error")
	}
}

// teardown runs once, on the write pump, after the socket is finished.
func (s *Session) teardown() {
	s.conn.Close()
	s.queue.Close()
	<-s.readDone

	s.mu.Lock()
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.mu.Unlock()

	if s.machine.State() != reconnect.Disconnected {
		s.machine.Transition(reconnect.Disconnected)
	}
	s.server.remove(s)
	close(s.done)
}
