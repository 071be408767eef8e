package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.RetryTimeout = time.Second
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func prediction(txID string, at time.Time) models.PredictionOutcome {
	return models.PredictionOutcome{
		TxID:              txID,
		Predicted:         models.PredictBearish,
		Outcome:           models.OutcomePending,
		PredictedAt:       at,
		UrgencyScore:      82,
		PriceAtPrediction: 64000,
	}
}

func TestInsertPredictionIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	id, inserted, err := s.InsertPrediction(ctx, prediction("tx1", base))
	require.NoError(t, err)
	require.True(t, inserted)
	require.Positive(t, id)

	_, inserted, err = s.InsertPrediction(ctx, prediction("tx1", base))
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := s.Get(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, models.PredictBearish, got.Predicted)
	require.Equal(t, models.OutcomePending, got.Outcome)
	require.True(t, got.PredictedAt.Equal(base))
	require.Nil(t, got.BlockHeight)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOutcomeLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.InsertPrediction(ctx, prediction("tx1", base))
	require.NoError(t, err)
	_, _, err = s.InsertPrediction(ctx, prediction("tx2", base.Add(time.Minute)))
	require.NoError(t, err)

	ok, err := s.MarkConfirmed(ctx, "tx1", 840000, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkConfirmed(ctx, "tx1", 840001, base.Add(20*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	pending, err := s.Pending(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "tx1", pending[0].TxID)
	require.EqualValues(t, 840000, *pending[0].BlockHeight)

	resolved := base.Add(time.Hour)
	p := pending[0]
	p.Outcome = models.OutcomeTruePositive
	p.ResolvedAt = &resolved
	p.PriceAtResolution = 63000
	ok, err = s.InsertOutcome(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	p.Outcome = models.OutcomeFalsePositive
	ok, err = s.InsertOutcome(ctx, p)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, models.OutcomeTruePositive, got.Outcome)
	require.Equal(t, 63000.0, got.PriceAtResolution)

	pending, err = s.Pending(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "tx2", pending[0].TxID)

	counts, err := s.OutcomeCounts(ctx, base)
	require.NoError(t, err)
	require.Equal(t, map[models.OutcomeClass]int{models.OutcomeTruePositive: 1}, counts)

	counts, err = s.OutcomeCounts(ctx, resolved.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	old := base.Add(-91 * 24 * time.Hour)
	_, _, err := s.InsertPrediction(ctx, prediction("old", old))
	require.NoError(t, err)
	_, _, err = s.InsertPrediction(ctx, prediction("new", base))
	require.NoError(t, err)

	removed, err := s.Prune(ctx, base.Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "new")
	require.NoError(t, err)
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := &Store{driver: DriverPostgres}
	require.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &Store{driver: DriverSQLite}
	require.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, isTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	require.False(t, isTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	require.True(t, isTransient(&pq.Error{Code: "40001"}))
	require.False(t, isTransient(&pq.Error{Code: "42P01"}))
	require.False(t, isTransient(fmt.Errorf("syntax error")))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Driver: "mysql", DSN: "x"}.Validate())
	require.Error(t, Config{Driver: DriverSQLite}.Validate())
}

func TestHorizonPriceIsWrittenOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, _, err := s.InsertPrediction(ctx, prediction("tx1", base))
	require.NoError(t, err)

	got, err := s.Get(ctx, "tx1")
	require.NoError(t, err)
	require.Zero(t, got.PriceAtHorizon)

	set, err := s.SetHorizonPrice(ctx, "tx1", 63000)
	require.NoError(t, err)
	require.True(t, set)
	set, err = s.SetHorizonPrice(ctx, "tx1", 70000)
	require.NoError(t, err)
	require.False(t, set)

	got, err = s.Get(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, 63000.0, got.PriceAtHorizon)
}

func TestOpenErrorCarriesDriver(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Driver = DriverPostgres
	cfg.DSN = "postgres://whale@127.0.0.1:1/whale?sslmode=disable&connect_timeout=1"
	cfg.RetryTimeout = 100 * time.Millisecond
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)

	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "db_ping", appErr.Code)
	require.Equal(t, DriverPostgres, appErr.Context["driver"])
}
