package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds prediction store settings.
type Config struct {
	Driver       string        `long:"driver" env:"DRIVER" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"Database driver"`
	DSN          string        `long:"dsn" env:"DSN" default:"file:whale.db?_busy_timeout=5000&_journal_mode=WAL" description:"Data source name"`
	MaxOpenConns int           `long:"max-open-conns" env:"MAX_OPEN_CONNS" default:"10" description:"Connection pool size (sqlite always uses 1)"`
	RetryTimeout time.Duration `long:"retry-timeout" env:"RETRY_TIMEOUT" default:"10s" description:"Give up retrying a transient database error after this long"`
}

// DefaultConfig returns the default sqlite store.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          "file:whale.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxOpenConns: 10,
		RetryTimeout: 10 * time.Second,
	}
}

// Validate checks the driver and DSN.
func (c Config) Validate() error {
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database DSN must be set")
	}
	return nil
}

// ErrNotFound is returned when no prediction exists for a txid.
var ErrNotFound = errors.New("prediction not found")

// Store persists predictions and their outcomes. Every query runs through a
// retry wrapper: transient errors back off exponentially, everything else
// fails at once.
type Store struct {
	db           *sql.DB
	driver       string
	retryTimeout time.Duration
	logger       zerolog.Logger
}

// Open connects, checks the connection and creates the schema. A schema
// failure is fatal.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, utils.Fatal(err, "db_config", utils.ComponentDatabase)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, utils.Fatal(err, "db_open", utils.ComponentDatabase)
	}
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}

	s := &Store{
		db:           db,
		driver:       cfg.Driver,
		retryTimeout: cfg.RetryTimeout,
		logger:       utils.NewComponentLogger(utils.ComponentDatabase),
	}
	if err := s.retry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, utils.WrapError(err, utils.KindTransient, "db_ping", "database unreachable", utils.ComponentDatabase).
			WithContext("driver", cfg.Driver)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, utils.Fatal(err, "db_schema", utils.ComponentDatabase).
			WithDetails("schema mismatch: " + cfg.Driver)
	}
	s.logger.Info().Str("driver", cfg.Driver).Msg("prediction store ready")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS predictions (
			id ` + id + `,
			tx_id TEXT NOT NULL UNIQUE,
			predicted_direction TEXT NOT NULL,
			predicted_at BIGINT NOT NULL,
			urgency_score INTEGER NOT NULL,
			price_usd DOUBLE PRECISION NOT NULL,
			horizon_price_usd DOUBLE PRECISION,
			block_height BIGINT,
			confirmed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_predicted_at ON predictions (predicted_at)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			prediction_id BIGINT NOT NULL UNIQUE REFERENCES predictions (id) ON DELETE CASCADE,
			outcome TEXT NOT NULL,
			resolved_at BIGINT NOT NULL,
			price_usd DOUBLE PRECISION NOT NULL,
			block_height BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_resolved_at ON outcomes (resolved_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2 … for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// retry runs op until it succeeds, fails permanently, or the retry budget
// runs out.
func (s *Store) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = s.retryTimeout

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("transient database error")
		return err
	}, backoff.WithContext(policy, ctx))
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			// connection exception, transaction rollback, insufficient
			// resources, operator intervention
			return true
		}
		return false
	}
	return utils.IsRetryableError(err)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// InsertPrediction stores a pending prediction. It returns the row id and
// false when the txid was already recorded.
func (s *Store) InsertPrediction(ctx context.Context, p models.PredictionOutcome) (int64, bool, error) {
	query := s.rebind(`
		INSERT INTO predictions (tx_id, predicted_direction, predicted_at, urgency_score, price_usd)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tx_id) DO NOTHING
		RETURNING id`)

	var id int64
	inserted := true
	err := s.retry(ctx, func() error {
		err := s.db.QueryRowContext(ctx, query,
			p.TxID, string(p.Predicted), toMillis(p.PredictedAt), p.UrgencyScore, p.PriceAtPrediction,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			inserted = false
			return nil
		}
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

// MarkConfirmed records the block a predicted transaction was mined in. It
// only writes once per prediction.
func (s *Store) MarkConfirmed(ctx context.Context, txID string, height int64, at time.Time) (bool, error) {
	query := s.rebind(`
		UPDATE predictions SET block_height = ?, confirmed_at = ?
		WHERE tx_id = ? AND block_height IS NULL`)

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, height, toMillis(at), txID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// SetHorizonPrice stores the price observed when the evaluation horizon of
// a prediction elapsed. Only the first value is kept; it returns false when
// one was already stored.
func (s *Store) SetHorizonPrice(ctx context.Context, txID string, usd float64) (bool, error) {
	query := s.rebind(`
		UPDATE predictions SET horizon_price_usd = ?
		WHERE tx_id = ? AND horizon_price_usd IS NULL`)

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, usd, txID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// InsertOutcome resolves a prediction. It returns false when an outcome was
// already stored, so resolving twice is a no-op.
func (s *Store) InsertOutcome(ctx context.Context, p models.PredictionOutcome) (bool, error) {
	if p.ResolvedAt == nil {
		return false, errors.New("outcome without resolution time")
	}
	query := s.rebind(`
		INSERT INTO outcomes (prediction_id, outcome, resolved_at, price_usd, block_height)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (prediction_id) DO NOTHING`)

	var height sql.NullInt64
	if p.BlockHeight != nil {
		height = sql.NullInt64{Int64: *p.BlockHeight, Valid: true}
	}

	var n int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query,
			p.ID, string(p.Outcome), toMillis(*p.ResolvedAt), p.PriceAtResolution, height)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

const selectPrediction = `
	SELECT p.id, p.tx_id, p.predicted_direction, p.predicted_at, p.urgency_score, p.price_usd,
		p.horizon_price_usd, p.block_height, o.outcome, o.resolved_at, o.price_usd
	FROM predictions p
	LEFT JOIN outcomes o ON o.prediction_id = p.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (models.PredictionOutcome, error) {
	var (
		p           models.PredictionOutcome
		predicted   string
		predictedAt int64
		horizonUSD  sql.NullFloat64
		height      sql.NullInt64
		outcome     sql.NullString
		resolvedAt  sql.NullInt64
		resolvedUSD sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.TxID, &predicted, &predictedAt, &p.UrgencyScore, &p.PriceAtPrediction,
		&horizonUSD, &height, &outcome, &resolvedAt, &resolvedUSD)
	if err != nil {
		return p, err
	}
	p.Predicted = models.PredictedDirection(predicted)
	p.PredictedAt = fromMillis(predictedAt)
	p.Outcome = models.OutcomePending
	p.PriceAtHorizon = horizonUSD.Float64
	if height.Valid {
		h := height.Int64
		p.BlockHeight = &h
	}
	if outcome.Valid {
		p.Outcome = models.OutcomeClass(outcome.String)
		at := fromMillis(resolvedAt.Int64)
		p.ResolvedAt = &at
		p.PriceAtResolution = resolvedUSD.Float64
	}
	return p, nil
}

// Get returns the prediction for txID.
func (s *Store) Get(ctx context.Context, txID string) (models.PredictionOutcome, error) {
	query := s.rebind(selectPrediction + ` WHERE p.tx_id = ?`)
	var p models.PredictionOutcome
	err := s.retry(ctx, func() error {
		var err error
		p, err = scanPrediction(s.db.QueryRowContext(ctx, query, txID))
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(ErrNotFound)
		}
		return err
	})
	return p, err
}

// Pending returns unresolved predictions made at or after since, oldest
// first.
func (s *Store) Pending(ctx context.Context, since time.Time, limit int) ([]models.PredictionOutcome, error) {
	query := s.rebind(selectPrediction + `
		WHERE o.prediction_id IS NULL AND p.predicted_at >= ?
		ORDER BY p.predicted_at, p.id
		LIMIT ?`)

	var out []models.PredictionOutcome
	err := s.retry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, toMillis(since), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPrediction(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// OutcomeCounts counts outcomes resolved at or after since.
func (s *Store) OutcomeCounts(ctx context.Context, since time.Time) (map[models.OutcomeClass]int, error) {
	query := s.rebind(`
		SELECT outcome, COUNT(*) FROM outcomes
		WHERE resolved_at >= ?
		GROUP BY outcome`)

	counts := make(map[models.OutcomeClass]int)
	err := s.retry(ctx, func() error {
		clear(counts)
		rows, err := s.db.QueryContext(ctx, query, toMillis(since))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var outcome string
			var n int
			if err := rows.Scan(&outcome, &n); err != nil {
				return err
			}
			counts[models.OutcomeClass(outcome)] = n
		}
		return rows.Err()
	})
	return counts, err
}

// Prune deletes predictions made before cutoff together with their outcomes
// and returns how many predictions were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	outcomes := s.rebind(`
		DELETE FROM outcomes WHERE prediction_id IN
			(SELECT id FROM predictions WHERE predicted_at < ?)`)
	predictions := s.rebind(`DELETE FROM predictions WHERE predicted_at < ?`)

	var removed int64
	err := s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ms := toMillis(cutoff)
		if _, err := tx.ExecContext(ctx, outcomes, ms); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, predictions, ms)
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	return removed, err
}
