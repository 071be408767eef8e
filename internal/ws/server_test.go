package ws

import (
	"context"
	"fmt"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/alerts"
	"whale-backend/internal/auth"
	"whale-backend/internal/models"
	"whale-backend/internal/ratelimit"
	"whale-backend/internal/reconnect"
)

var testSecret = []byte("broadcast-test-secret-0123456789")

type harness struct {
	srv    *Server
	http   *httptest.Server
	signer *auth.Signer
	url    string
}

func newHarness(t *testing.T, cfg Config, limits ratelimit.Config) *harness {
	t.Helper()

	signer, err := auth.NewSigner(testSecret)
	require.NoError(t, err)
	srv := NewServer(cfg, signer, ratelimit.New(limits), alerts.NewDeriver(alerts.DefaultConfig()))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return &harness{
		srv:    srv,
		http:   ts,
		signer: signer,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (h *harness) token(t *testing.T, ttl time.Duration, perms ...auth.Permission) string {
	t.Helper()
	token, err := h.signer.Mint("client-1", perms, ttl)
	require.NoError(t, err)
	return token
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// login authenticates and subscribes a fresh connection.
func (h *harness) login(t *testing.T, channels ...models.Channel) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "auth", "token": h.token(t, time.Hour, auth.PermRead)})
	require.Equal(t, "auth_success", next(t, conn)["type"])
	if len(channels) > 0 {
		send(t, conn, map[string]any{"type": "subscribe", "channels": channels})
		require.Equal(t, "subscription_ack", next(t, conn)["type"])
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// next returns the next message, skipping server pings.
func next(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, sonnet.Unmarshal(data, &msg))
		if msg["type"] == "ping" {
			continue
		}
		return msg
	}
}

// closeCode reads until the connection closes and returns the close code.
func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}

func whale(i int, btc float64, dir models.Direction, urgency int) models.WhaleTransaction {
	return models.WhaleTransaction{
		TxID:         fmt.Sprintf("%064x", i),
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		AmountBTC:    btc,
		Direction:    dir,
		FeeRate:      80,
		Status:       models.StatusMempool,
		UrgencyScore: urgency,
	}
}

func waitAuthenticated(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.GetStats()["authenticated"] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnauthenticatedClientIsDisconnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "subscribe", "channels": []string{"transactions"}})
	h.srv.PublishTransaction(whale(1, 150, models.DirectionBuy, 40))

	msg := next(t, conn)
	require.Equal(t, "auth_failed", msg["type"])
	require.Equal(t, CloseAuthFailed, closeCode(t, conn))
	require.EqualValues(t, 1, h.srv.GetStats()["auth_failed"])
}

func TestMalformedFirstMessageIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	require.Equal(t, "auth_failed", next(t, conn)["type"])
	require.Equal(t, CloseAuthFailed, closeCode(t, conn))
}

func TestAuthTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AuthTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, ratelimit.DefaultConfig())
	conn := h.dial(t)

	require.Equal(t, CloseAuthTimeout, closeCode(t, conn))
}

func TestExpiredTokenIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "auth", "token": h.token(t, -time.Minute, auth.PermRead)})

	msg := next(t, conn)
	require.Equal(t, "auth_failed", msg["type"])
	require.Equal(t, "token expired", msg["reason"])
	require.Equal(t, CloseAuthFailed, closeCode(t, conn))
}

func TestTokenExpiryClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.dial(t)
	// Expiry has one-second resolution; two seconds keeps the token valid at
	// auth time.
	send(t, conn, map[string]any{"type": "auth", "token": h.token(t, 2*time.Second, auth.PermRead)})
	require.Equal(t, "auth_success", next(t, conn)["type"])

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "auth_failed")
	require.Equal(t, CloseAuthFailed, closeCode(t, conn))
}

func TestCriticalWhaleReachesAlertSubscribers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	alertsConn := h.login(t, models.ChannelTransactions, models.ChannelAlerts)
	plainConn := h.login(t, models.ChannelTransactions, models.ChannelNetFlow)
	waitAuthenticated(t, h.srv, 2)

	tx := whale(7, 600, models.DirectionSell, 85)
	h.srv.PublishTransaction(tx)
	h.srv.PublishNetFlow(models.NetFlowSample{NetFlowBTC: -600, Direction: models.FlowDistribution, SampleCount: 1})

	msg := next(t, alertsConn)
	require.Equal(t, "transaction", msg["type"])
	require.Equal(t, tx.TxID, msg["data"].(map[string]any)["txid"])

	msg = next(t, alertsConn)
	require.Equal(t, "alert", msg["type"])
	data := msg["data"].(map[string]any)
	require.Equal(t, "critical", data["severity"])
	require.Equal(t, tx.TxID, data["transaction"].(map[string]any)["txid"])

	// Not subscribed to alerts: the net-flow sample follows the transaction.
	require.Equal(t, "transaction", next(t, plainConn)["type"])
	require.Equal(t, "netflow", next(t, plainConn)["type"])
}

func TestRateLimitedClientStaysConnected(t *testing.T) {
	t.Parallel()

	limits := ratelimit.Config{Requests: 3, Period: 3 * time.Second, AbuseFactor: 10, AbuseWindow: time.Minute, IdleTTL: time.Minute}
	h := newHarness(t, DefaultConfig(), limits)
	conn := h.login(t, models.ChannelTransactions) // auth + subscribe
	waitAuthenticated(t, h.srv, 1)

	send(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", next(t, conn)["type"])

	send(t, conn, map[string]any{"type": "ping"})
	msg := next(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, ErrorCodeRateLimited, msg["code"])
	require.GreaterOrEqual(t, msg["retry_after"].(float64), 1.0)

	// Broadcasts are not limited.
	h.srv.PublishTransaction(whale(1, 120, models.DirectionBuy, 30))
	require.Equal(t, "transaction", next(t, conn)["type"])

	// One token per second refills.
	time.Sleep(1100 * time.Millisecond)
	send(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", next(t, conn)["type"])
}

func TestAbusiveClientIsClosed(t *testing.T) {
	t.Parallel()

	limits := ratelimit.Config{Requests: 1, Period: time.Minute, AbuseFactor: 1, AbuseWindow: time.Minute, IdleTTL: time.Minute}
	h := newHarness(t, DefaultConfig(), limits)
	conn := h.login(t)

	send(t, conn, map[string]any{"type": "ping"})
	msg := next(t, conn)
	require.Equal(t, ErrorCodeRateLimited, msg["code"])
	require.Equal(t, CloseRateAbuse, closeCode(t, conn))
}

func TestSubscribeRequiresRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.dial(t)
	send(t, conn, map[string]any{"type": "auth", "token": h.token(t, time.Hour, auth.PermWrite)})
	require.Equal(t, "auth_success", next(t, conn)["type"])

	send(t, conn, map[string]any{"type": "subscribe", "channels": []string{"alerts"}})
	msg := next(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, ErrorCodeForbidden, msg["code"])
}

func TestInvalidMessageAfterAuthKeepsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t)

	send(t, conn, map[string]any{"type": "teleport"})
	msg := next(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, ErrorCodeInvalidMessage, msg["code"])

	send(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", next(t, conn)["type"])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t, models.ChannelAlerts, models.ChannelNetFlow)

	send(t, conn, map[string]any{"type": "unsubscribe", "channels": []string{"alerts"}})
	msg := next(t, conn)
	require.Equal(t, "subscription_ack", msg["type"])
	require.Equal(t, []any{"netflow"}, msg["channels"])
}

func TestSlowClientDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	h.login(t, models.ChannelTransactions) // never read again
	fast := h.login(t, models.ChannelTransactions)
	waitAuthenticated(t, h.srv, 2)

	const n = 50
	for i := 0; i < n; i++ {
		h.srv.PublishTransaction(whale(i, 110, models.DirectionNeutral, 20))
	}
	for i := 0; i < n; i++ {
		msg := next(t, fast)
		require.Equal(t, "transaction", msg["type"])
		require.Equal(t, fmt.Sprintf("%064x", i), msg["data"].(map[string]any)["txid"])
	}
}

func TestBroadcastDropsOldestForFullQueue(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.QueueSize = 3
	srv := NewServer(cfg, nil, ratelimit.New(ratelimit.DefaultConfig()), nil)

	// Sessions without pumps: nothing drains their queues.
	var sessions []*Session
	for i := 1; i <= 2; i++ {
		s := newSession(uint64(i), "127.0.0.1", nil, srv)
		require.NoError(t, s.machine.Transition(reconnect.Connecting))
		require.NoError(t, s.machine.Transition(reconnect.Authenticating))
		require.NoError(t, s.machine.Transition(reconnect.Connected))
		s.subscribe([]models.Channel{models.ChannelTransactions})
		require.True(t, srv.add(s))
		sessions = append(sessions, s)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			srv.PublishTransaction(whale(i, 100, models.DirectionBuy, 10))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a full queue")
	}

	for _, s := range sessions {
		require.Equal(t, 3, s.queue.Len())
		require.EqualValues(t, 7, s.Dropped())
		for i := 7; i < 10; i++ {
			var msg struct {
				Data models.WhaleTransaction `json:"data"`
			}
			require.NoError(t, sonnet.Unmarshal(<-s.queue.C(), &msg))
			require.Equal(t, fmt.Sprintf("%064x", i), msg.Data.TxID)
		}
	}
	require.EqualValues(t, 14, srv.GetStats()["dropped"])
}

func TestShutdownSendsGoingAway(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t)
	waitAuthenticated(t, h.srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- h.srv.Shutdown(ctx) }()

	require.Equal(t, CloseGoingAway, closeCode(t, conn))
	require.NoError(t, <-errc)
	require.Zero(t, h.srv.Sessions())
}

func TestRunFansOutSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t, models.ChannelNetFlow, models.ChannelAccuracy)
	waitAuthenticated(t, h.srv, 1)

	netflow := make(chan models.NetFlowSample, 1)
	accuracy := make(chan models.AccuracyAlert, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.srv.Run(ctx, Sources{NetFlow: netflow, Accuracy: accuracy})

	netflow <- models.NetFlowSample{NetFlowBTC: 250, Direction: models.FlowAccumulation}
	require.Equal(t, "netflow", next(t, conn)["type"])

	accuracy <- models.AccuracyAlert{Level: models.AccuracyCritical, Window: "1h", Accuracy: 0.6, Threshold: 0.7}
	msg := next(t, conn)
	require.Equal(t, "accuracy", msg["type"])
	require.Equal(t, "CRITICAL", msg["data"].(map[string]any)["level"])
}

func TestUnencodableEventIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t, models.ChannelAccuracy)
	waitAuthenticated(t, h.srv, 1)

	require.Zero(t, h.srv.publish(models.ChannelAccuracy, typeAccuracy, make(chan int)))
	require.EqualValues(t, 1, h.srv.GetStats()["encode_errors"])

	accuracy := make(chan models.AccuracyAlert, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.srv.Run(ctx, Sources{Accuracy: accuracy})

	// The loop keeps running whatever happens to the first event.
	accuracy <- models.AccuracyAlert{Level: models.AccuracyWarning, Window: "24h", Accuracy: math.NaN()}
	accuracy <- models.AccuracyAlert{Level: models.AccuracyCritical, Window: "1h", Accuracy: 0.6, Threshold: 0.7}
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		if sonnet.Unmarshal(data, &msg) != nil || msg["type"] != "accuracy" {
			continue
		}
		if msg["data"].(map[string]any)["window"] == "1h" {
			break
		}
	}
}

func TestConfirmationReachesTransactionSubscribers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), ratelimit.DefaultConfig())
	conn := h.login(t, models.ChannelTransactions)
	waitAuthenticated(t, h.srv, 1)

	confirmations := make(chan models.WhaleTransaction, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.srv.Run(ctx, Sources{Confirmations: confirmations})

	tx := whale(7, 600, models.DirectionSell, 85)
	require.NoError(t, tx.Confirm(840000))
	confirmations <- tx

	msg := next(t, conn)
	require.Equal(t, "confirmation", msg["type"])
	data := msg["data"].(map[string]any)
	require.Equal(t, "confirmed", data["status"])
	require.EqualValues(t, 840000, data["block_height"])
}
