package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/alerts"
	"whale-backend/internal/auth"
	"whale-backend/internal/correlation"
	"whale-backend/internal/database"
	"whale-backend/internal/models"
	"whale-backend/internal/netflow"
	"whale-backend/internal/price"
	"whale-backend/internal/ratelimit"
	"whale-backend/internal/utils"
	"whale-backend/internal/ws"
)

type stubPipeline struct {
	broadcast *ws.Server
	netflow   *netflow.Aggregator
	tracker   *correlation.Tracker
	memory    *utils.MemoryMonitor
}

func (p *stubPipeline) Broadcast() *ws.Server         { return p.broadcast }
func (p *stubPipeline) NetFlow() *netflow.Aggregator  { return p.netflow }
func (p *stubPipeline) Tracker() *correlation.Tracker { return p.tracker }
func (p *stubPipeline) Memory() *utils.MemoryMonitor  { return p.memory }
func (p *stubPipeline) Health() map[string]interface{} {
	return map[string]interface{}{"feed": "CONNECTED"}
}

var epoch = time.Unix(1700000000, 0).UTC()

func newTestServer(t *testing.T) (*httptest.Server, *stubPipeline) {
	t.Helper()

	signer, err := auth.NewSigner([]byte("server-test-secret-0123456789"))
	require.NoError(t, err)

	dbCfg := database.DefaultConfig()
	dbCfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := database.Open(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := &stubPipeline{
		broadcast: ws.NewServer(ws.DefaultConfig(), signer, ratelimit.New(ratelimit.DefaultConfig()), alerts.NewDeriver(alerts.DefaultConfig())),
		netflow:   netflow.NewAggregator(netflow.DefaultConfig(), epoch, nil),
		tracker:   correlation.NewTracker(correlation.DefaultConfig(), store, nil, price.Static{USD: 64000}, nil, nil),
		memory:    utils.NewMemoryMonitor(utils.DefaultMemoryConfig(), func() uint64 { return 100 << 20 }),
	}
	ts := httptest.NewServer(NewServer(p, time.Second).Handler())
	t.Cleanup(ts.Close)
	return ts, p
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, sonnet.Unmarshal(data, v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
	assert.Equal(t, "CONNECTED", body["feed"])

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", nil))
}

func TestNetFlowTimeframes(t *testing.T) {
	t.Parallel()
	ts, p := newTestServer(t)

	p.netflow.Add(models.WhaleTransaction{TxID: "a", Direction: models.DirectionSell, AmountBTC: 400})
	p.netflow.Tick(epoch.Add(time.Minute))
	p.netflow.Add(models.WhaleTransaction{TxID: "b", Direction: models.DirectionBuy, AmountBTC: 100})
	p.netflow.Tick(epoch.Add(2 * time.Minute))

	var body struct {
		Timeframe string                 `json:"timeframe"`
		Summary   *models.NetFlowSample  `json:"summary"`
		Vote      netflow.Vote           `json:"vote"`
		Samples   []models.NetFlowSample `json:"samples"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/netflow", &body))
	assert.Equal(t, "1h", body.Timeframe)
	require.Len(t, body.Samples, 2)
	require.NotNil(t, body.Summary)
	assert.InDelta(t, -300, body.Summary.NetFlowBTC, 1e-9)
	assert.Equal(t, models.FlowDistribution, body.Vote.Direction)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/netflow?timeframe=7d", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/netflow?timeframe=2h", nil))
}

func TestNetFlowEmpty(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/netflow?timeframe=24h", &body))
	assert.Equal(t, []interface{}{}, body["samples"])
	assert.NotContains(t, body, "summary")
}

func TestAccuracy(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	var all struct {
		Reports []correlation.Report `json:"reports"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/accuracy", &all))
	require.Len(t, all.Reports, len(correlation.Windows))
	for i, r := range all.Reports {
		assert.Equal(t, correlation.Windows[i].Name, r.Window)
		assert.Zero(t, r.Total)
	}

	var one struct {
		Reports []correlation.Report `json:"reports"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/accuracy?window=24h", &one))
	require.Len(t, one.Reports, 1)
	assert.Equal(t, "24h", one.Reports[0].Window)

	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/accuracy?window=30d", nil))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/memory", &body))
	assert.Equal(t, "NORMAL", body["level"])
	assert.EqualValues(t, 512, body["warning_mb"])
}

func TestRejectsNonGet(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
