package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"whale-backend/internal/models"
	"whale-backend/internal/reconnect"
	"whale-backend/internal/utils"
)

// Config holds upstream feed settings.
type Config struct {
	URL              string           `long:"url" env:"URL" default:"wss://mempool.space/api/v1/ws" description:"Upstream mempool WebSocket feed"`
	Subscribe        string           `long:"subscribe" env:"SUBSCRIBE" default:"{\"action\":\"want\",\"data\":[\"transactions\"]}" description:"Subscription message sent after connecting"`
	AuthToken        string           `long:"auth-token" env:"AUTH_TOKEN" description:"Token sent in an auth message before subscribing"`
	RequireAck       bool             `long:"require-ack" env:"REQUIRE_ACK" description:"Wait for an accept or data message before treating the feed as connected"`
	ConnectTimeout   time.Duration    `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"10s" description:"Dial timeout"`
	HandshakeTimeout time.Duration    `long:"handshake-timeout" env:"HANDSHAKE_TIMEOUT" default:"10s" description:"Time allowed for the feed to accept the subscription"`
	HeartbeatTimeout time.Duration    `long:"heartbeat-timeout" env:"HEARTBEAT_TIMEOUT" default:"60s" description:"Silence after which the connection is considered dead"`
	WriteTimeout     time.Duration    `long:"write-timeout" env:"WRITE_TIMEOUT" default:"10s" description:"Write deadline for outbound frames"`
	OutboundQueue    int              `long:"outbound-queue" env:"OUTBOUND_QUEUE" default:"256" description:"Outbound messages buffered while disconnected"`
	Reconnect        reconnect.Policy `group:"Reconnect" namespace:"reconnect" env-namespace:"RECONNECT"`
}

// DefaultConfig returns default feed settings.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://mempool.space/api/v1/ws",
		Subscribe:        `{"action":"want","data":["transactions"]}`,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		WriteTimeout:     10 * time.Second,
		OutboundQueue:    256,
		Reconnect:        reconnect.DefaultPolicy(),
	}
}

var (
	// ErrRejected is returned when the feed refuses the handshake.
	ErrRejected = errors.New("feed rejected handshake")
	// ErrHandshakeTimeout is returned when the feed does not answer in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

var pongFrame = []byte(`{"type":"pong"}`)

// Client maintains the upstream connection and feeds normalized raw
// transactions to out.
type Client struct {
	cfg     Config
	out     chan<- *models.RawTransaction
	machine *reconnect.Machine
	backoff *reconnect.Backoff
	queue   *utils.DropOldestQueue[[]byte]
	dialer  *websocket.Dialer
	resetCh chan struct{}
	logger  zerolog.Logger

	received    int64
	dispatched  int64
	discarded   int64
	connections int64
	lastMessage int64
}

// NewClient creates a client that writes transactions to out.
func NewClient(cfg Config, out chan<- *models.RawTransaction) *Client {
	if cfg.OutboundQueue < 1 {
		cfg.OutboundQueue = DefaultConfig().OutboundQueue
	}
	c := &Client{
		cfg:     cfg,
		out:     out,
		machine: reconnect.NewMachine(),
		backoff: reconnect.NewBackoff(cfg.Reconnect, 0),
		queue:   utils.NewDropOldestQueue[[]byte](cfg.OutboundQueue),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		resetCh: make(chan struct{}, 1),
		logger:  utils.NewComponentLogger(utils.ComponentIngest),
	}
	c.machine.Observe(func(from, to reconnect.State) {
		c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("feed state")
	})
	return c
}

// State returns the connection state.
func (c *Client) State() reconnect.State { return c.machine.State() }

// Observe registers a state-change observer.
func (c *Client) Observe(o reconnect.Observer) { c.machine.Observe(o) }

// Attempt returns the number of reconnection delays taken since the last
// successful connection.
func (c *Client) Attempt() int { return c.backoff.Attempt() }

// Send queues an outbound frame. Frames queued while disconnected are written
// in order once the client reaches CONNECTED. It reports false if an older
// frame had to be dropped to make room.
func (c *Client) Send(frame []byte) bool {
	return c.queue.Push(frame)
}

// Reset clears a FAILED client so Run starts connecting again.
func (c *Client) Reset() {
	c.backoff.Reset()
	c.machine.Reset()
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
	c.logger.Warn().Msg("feed reset by operator")
}

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	defer func() {
		if c.machine.State() != reconnect.Disconnected {
			c.machine.Reset()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if c.machine.State() == reconnect.Failed {
			select {
			case <-ctx.Done():
				return
			case <-c.resetCh:
				continue
			}
		}

		if err := c.machine.Transition(reconnect.Connecting); err != nil {
			c.logger.Error().Err(err).Msg("unexpected feed state")
			c.machine.Reset()
			continue
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		c.fail(ctx, err)
	}
}

// connectAndServe runs one connection from dial to disconnect.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.headers())
	cancel()
	if err != nil {
		if resp != nil {
			return utils.Transient(fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err), "dial_failed", utils.ComponentIngest)
		}
		return utils.Transient(fmt.Errorf("dial failed: %w", err), "dial_failed", utils.ComponentIngest)
	}
	defer conn.Close()

	if err := c.machine.Transition(reconnect.Authenticating); err != nil {
		return err
	}

	pending, err := c.handshake(conn)
	if err != nil {
		return err
	}

	c.backoff.Reset()
	if err := c.machine.Transition(reconnect.Connected); err != nil {
		return err
	}
	atomic.AddInt64(&c.connections, 1)

	return c.serve(ctx, conn, pending)
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	return h
}

// handshake sends the auth and subscription frames and, when RequireAck is
// set, waits for the feed to accept. A data frame that arrives first counts as
// acceptance and is returned for dispatch.
func (c *Client) handshake(conn *websocket.Conn) ([]*models.RawTransaction, error) {
	if c.cfg.AuthToken != "" {
		auth := fmt.Sprintf(`{"type":"auth","token":%q}`, c.cfg.AuthToken)
		if err := c.write(conn, []byte(auth)); err != nil {
			return nil, utils.Transient(err, "handshake_write", utils.ComponentIngest)
		}
	}
	if c.cfg.Subscribe != "" {
		if err := c.write(conn, []byte(c.cfg.Subscribe)); err != nil {
			return nil, utils.Transient(err, "handshake_write", utils.ComponentIngest)
		}
	}
	if !c.cfg.RequireAck {
		return nil, nil
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, utils.Transient(ErrHandshakeTimeout, "handshake_timeout", utils.ComponentIngest)
			}
			return nil, utils.Transient(err, "handshake_read", utils.ComponentIngest)
		}
		c.markMessage()

		msg, err := Parse(data)
		if err != nil {
			c.discard(err)
			continue
		}
		switch m := msg.(type) {
		case AcceptMessage:
			return nil, nil
		case TransactionsMessage:
			return m.Transactions, nil
		case RejectMessage:
			c.logger.Warn().Str("reason", m.Reason).Msg("feed rejected handshake")
			return nil, utils.WrapError(ErrRejected, utils.KindAuthentication, "handshake_rejected", m.Reason, utils.ComponentIngest)
		case PingMessage:
			if err := c.write(conn, pongFrame); err != nil {
				return nil, utils.Transient(err, "handshake_write", utils.ComponentIngest)
			}
		case ErrorMessage:
			c.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("feed error during handshake")
		}
	}
}

// serve flushes queued frames, then reads until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, pending []*models.RawTransaction) error {
	// Protocol-level pings count as liveness.
	conn.SetPingHandler(func(data string) error {
		c.markMessage()
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeErr <- c.writeLoop(conn, done)
	}()

	// Unblock the reader when the context ends or the writer fails.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		case err := <-writeErr:
			writeErr <- err
		}
		conn.Close()
	}()

	defer func() {
		close(done)
		wg.Wait()
	}()

	if err := c.dispatch(ctx, pending); err != nil {
		return err
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				if werr != nil {
					return utils.Transient(werr, "write_failed", utils.ComponentIngest)
				}
			default:
			}
			return utils.Transient(err, "read_failed", utils.ComponentIngest)
		}
		c.markMessage()

		msg, err := Parse(data)
		if err != nil {
			c.discard(err)
			continue
		}
		switch m := msg.(type) {
		case TransactionsMessage:
			if err := c.dispatch(ctx, m.Transactions); err != nil {
				return err
			}
		case PingMessage:
			c.queue.Push(pongFrame)
		case RejectMessage:
			return utils.WrapError(ErrRejected, utils.KindAuthentication, "session_rejected", m.Reason, utils.ComponentIngest)
		case ErrorMessage:
			c.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("feed error")
		case AcceptMessage:
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		case frame, ok := <-c.queue.C():
			if !ok {
				return nil
			}
			if err := c.write(conn, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) dispatch(ctx context.Context, txs []*models.RawTransaction) error {
	for _, tx := range txs {
		atomic.AddInt64(&c.received, 1)
		select {
		case c.out <- tx:
			atomic.AddInt64(&c.dispatched, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) discard(err error) {
	atomic.AddInt64(&c.discarded, 1)
	c.logger.Debug().Err(err).Str("code", utils.CodeOf(err)).Msg("frame discarded")
}

func (c *Client) markMessage() {
	atomic.StoreInt64(&c.lastMessage, time.Now().UnixNano())
}

// fail moves to RECONNECTING and waits out the backoff, or to FAILED once the
// attempts are used up.
func (c *Client) fail(ctx context.Context, cause error) {
	if err := c.machine.Transition(reconnect.Reconnecting); err != nil {
		c.logger.Error().Err(err).Msg("unexpected feed state")
		c.machine.Reset()
		return
	}

	delay := c.backoff.NextBackOff()
	if delay < 0 {
		c.machine.Transition(reconnect.Failed)
		c.logger.Error().
			Err(cause).
			Int("attempts", c.cfg.Reconnect.MaxAttempts).
			Msg("reconnect attempts exhausted; operator reset required")
		return
	}

	event := c.logger.Warn()
	if utils.IsKind(cause, utils.KindAuthentication) {
		event = c.logger.Error()
	}
	event.Err(cause).
		Int("attempt", c.backoff.Attempt()).
		Dur("delay", delay).
		Msg("feed disconnected")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// GetStats returns client statistics
func (c *Client) GetStats() map[string]interface{} {
	var last string
	if ns := atomic.LoadInt64(&c.lastMessage); ns > 0 {
		last = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"state":        c.machine.State().String(),
		"attempt":      c.backoff.Attempt(),
		"received":     atomic.LoadInt64(&c.received),
		"dispatched":   atomic.LoadInt64(&c.dispatched),
		"discarded":    atomic.LoadInt64(&c.discarded),
		"connections":  atomic.LoadInt64(&c.connections),
		"queued":       c.queue.Len(),
		"queue_drops":  c.queue.Dropped(),
		"last_message": last,
	}
}
