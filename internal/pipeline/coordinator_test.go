package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"whale-backend/config"
	"whale-backend/internal/auth"
	"whale-backend/internal/server"
)

const (
	testSecret = "pipeline-test-secret-0123456789"
	whaleTxID  = "abababababababababababababababababababababababababababababababab"
	whaleFrame = `{"type":"transaction","data":{"txid":"` + whaleTxID + `","value":60000000000,"fee_rate":80}}`
)

// upstream accepts the feed subscription and sends one whale transaction
// once release is closed.
func upstream(t *testing.T, release <-chan struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(whaleFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type frame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, sonnet.Unmarshal(data, &f))
		if f.Type != "ping" {
			return f
		}
	}
}

func TestCoordinatorEndToEnd(t *testing.T) {
	release := make(chan struct{})
	feed := upstream(t, release)

	cfg := config.DefaultConfig()
	cfg.Server.TokenSecret = testSecret
	cfg.Feed.URL = "ws" + strings.TrimPrefix(feed.URL, "http")
	cfg.Price.StaticUSD = 64000
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewCoordinator(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	api := httptest.NewServer(server.NewServer(c, time.Second).Handler())
	defer api.Close()

	signer, err := auth.NewSigner([]byte(testSecret))
	require.NoError(t, err)
	token, err := signer.Mint("e2e", []auth.Permission{auth.PermRead}, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(api.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth","token":"`+token+`"}`)))
	require.Equal(t, "auth_success", readFrame(t, conn).Type)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","channels":["transactions","alerts"]}`)))
	require.Equal(t, "subscription_ack", readFrame(t, conn).Type)

	close(release)

	tx := readFrame(t, conn)
	require.Equal(t, "transaction", tx.Type)
	require.Equal(t, whaleTxID, tx.Data["txid"])
	require.InDelta(t, 600, tx.Data["amount_btc"], 1e-9)
	require.InDelta(t, 600*64000, tx.Data["amount_usd"], 1e-3)

	alert := readFrame(t, conn)
	require.Equal(t, "alert", alert.Type)
	require.Equal(t, "critical", strings.ToLower(fmt.Sprint(alert.Data["severity"])))

	require.Eventually(t, func() bool {
		return c.Tracker().GetStats()["recorded"] == int64(1)
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Health()["processor"].(map[string]interface{})["classified"] == int64(1)
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, c.Stop(stopCtx))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestNewCoordinatorRejectsMissingExchangeSet(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TokenSecret = testSecret
	cfg.Classifier.ExchangeSetFile = t.TempDir() + "/missing.txt"

	_, err := NewCoordinator(context.Background(), cfg)
	require.ErrorContains(t, err, "exchange set")
}
