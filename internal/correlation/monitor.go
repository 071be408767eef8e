package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"whale-backend/internal/models"
	"whale-backend/internal/utils"
)

// Window is a named accuracy window.
type Window struct {
	Name string
	Span time.Duration
}

// Windows are the accuracy windows reported and monitored.
var Windows = []Window{
	{Name: "1h", Span: time.Hour},
	{Name: "24h", Span: 24 * time.Hour},
	{Name: "7d", Span: 7 * 24 * time.Hour},
}

// ParseWindow looks up a window by name.
func ParseWindow(name string) (Window, error) {
	for _, w := range Windows {
		if w.Name == name {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("unknown accuracy window %q", name)
}

// Report summarises resolved predictions in one window.
type Report struct {
	Window   string                      `json:"window"`
	Total    int                         `json:"total"`
	Correct  int                         `json:"correct"`
	Accuracy float64                     `json:"accuracy"`
	Counts   map[models.OutcomeClass]int `json:"counts"`
}

// Accuracy reports the share of correct outcomes among predictions resolved
// within w. Accuracy is zero when nothing was resolved.
func (t *Tracker) Accuracy(ctx context.Context, w Window) (Report, error) {
	counts, err := t.store.OutcomeCounts(ctx, t.now().Add(-w.Span))
	if err != nil {
		return Report{}, err
	}
	r := Report{Window: w.Name, Counts: counts}
	for outcome, n := range counts {
		if outcome == models.OutcomePending {
			continue
		}
		r.Total += n
		if outcome.Correct() {
			r.Correct += n
		}
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Total)
	}
	return r, nil
}

// AccuracyAll reports every window.
func (t *Tracker) AccuracyAll(ctx context.Context) ([]Report, error) {
	reports := make([]Report, 0, len(Windows))
	for _, w := range Windows {
		r, err := t.Accuracy(ctx, w)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

type alertKey struct {
	level  models.AccuracyLevel
	window string
}

type monitor struct {
	t      *Tracker
	out    chan<- models.AccuracyAlert
	mu     sync.Mutex
	last   map[alertKey]time.Time
	raised atomic.Int64
	drops  utils.BackpressureMetrics
}

func newMonitor(t *Tracker, out chan<- models.AccuracyAlert) *monitor {
	return &monitor{t: t, out: out, last: make(map[alertKey]time.Time)}
}

// CheckAccuracy evaluates every window once and returns the alerts raised.
// A level and window pair alerts at most once per cooldown.
func (t *Tracker) CheckAccuracy(ctx context.Context) ([]models.AccuracyAlert, error) {
	return t.monitor.check(ctx)
}

// RunMonitor checks accuracy on every monitor interval until ctx is
// cancelled.
func (t *Tracker) RunMonitor(ctx context.Context) {
	t.every(ctx, t.cfg.MonitorInterval, func() {
		if _, err := t.CheckAccuracy(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error().Err(err).Msg("accuracy check failed")
		}
	})
}

func (m *monitor) check(ctx context.Context) ([]models.AccuracyAlert, error) {
	cfg := m.t.cfg
	var raised []models.AccuracyAlert
	for _, w := range Windows {
		r, err := m.t.Accuracy(ctx, w)
		if err != nil {
			return raised, err
		}
		if r.Total < cfg.MinSamples {
			continue
		}

		var level models.AccuracyLevel
		var threshold float64
		switch {
		case r.Accuracy < cfg.CriticalAccuracy:
			level, threshold = models.AccuracyCritical, cfg.CriticalAccuracy
		case r.Accuracy < cfg.WarningAccuracy:
			level, threshold = models.AccuracyWarning, cfg.WarningAccuracy
		default:
			continue
		}

		now := m.t.now()
		if !m.due(alertKey{level: level, window: w.Name}, now) {
			continue
		}
		alert := models.AccuracyAlert{
			Level:     level,
			Window:    w.Name,
			Accuracy:  r.Accuracy,
			Threshold: threshold,
			Total:     r.Total,
			RaisedAt:  now,
		}
		raised = append(raised, alert)
		m.raised.Add(1)

		ev := m.t.logger.Warn()
		if level == models.AccuracyCritical {
			ev = m.t.logger.Error()
		}
		ev.Str("level", string(level)).
			Str("window", w.Name).
			Float64("accuracy", r.Accuracy).
			Float64("threshold", threshold).
			Int("total", r.Total).
			Msg("prediction accuracy below threshold")

		if m.out != nil && !utils.TrySend(m.out, alert, &m.drops) {
			m.t.logger.Warn().Str("window", w.Name).Msg("accuracy alert dropped: channel full")
		}
	}
	return raised, nil
}

// due reports whether key may alert at now and, if so, starts its cooldown.
func (m *monitor) due(key alertKey, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.last[key]; ok && now.Sub(last) < m.t.cfg.AlertCooldown {
		return false
	}
	m.last[key] = now
	return true
}
