package alerts

import (
	"fmt"

	"whale-backend/internal/models"
)

// Config holds the thresholds that turn a classified transaction into an alert.
type Config struct {
	MediumBTC       float64 `long:"alert-medium-btc" env:"ALERT_MEDIUM_BTC" default:"100" description:"Amount that raises a medium alert"`
	HighBTC         float64 `long:"alert-high-btc" env:"ALERT_HIGH_BTC" default:"250" description:"Amount that raises a high alert"`
	CriticalBTC     float64 `long:"alert-critical-btc" env:"ALERT_CRITICAL_BTC" default:"500" description:"Amount that raises a critical alert"`
	HighUrgency     int     `long:"alert-high-urgency" env:"ALERT_HIGH_URGENCY" default:"60" description:"Urgency score that raises a high alert"`
	CriticalUrgency int     `long:"alert-critical-urgency" env:"ALERT_CRITICAL_URGENCY" default:"80" description:"Urgency score that raises a critical alert"`
}

// DefaultConfig returns default alert thresholds.
func DefaultConfig() Config {
	return Config{
		MediumBTC:       100,
		HighBTC:         250,
		CriticalBTC:     500,
		HighUrgency:     60,
		CriticalUrgency: 80,
	}
}

// Validate checks that thresholds are positive and ordered.
func (c Config) Validate() error {
	if c.MediumBTC <= 0 || c.HighBTC < c.MediumBTC || c.CriticalBTC < c.HighBTC {
		return fmt.Errorf("alert amount thresholds must satisfy 0 < medium <= high <= critical")
	}
	if c.HighUrgency < 0 || c.CriticalUrgency < c.HighUrgency || c.CriticalUrgency > 100 {
		return fmt.Errorf("alert urgency thresholds must satisfy 0 <= high <= critical <= 100")
	}
	return nil
}

// Deriver grades classified transactions.
type Deriver struct {
	cfg Config
}

// NewDeriver creates a Deriver.
func NewDeriver(cfg Config) *Deriver {
	return &Deriver{cfg: cfg}
}

// Severity returns the alert severity for tx, or "" when no alert is due.
// The amount tier and the urgency tier are computed independently and the
// higher one wins.
func (d *Deriver) Severity(tx models.WhaleTransaction) models.Severity {
	var byAmount, byUrgency models.Severity
	switch {
	case tx.AmountBTC >= d.cfg.CriticalBTC:
		byAmount = models.SeverityCritical
	case tx.AmountBTC >= d.cfg.HighBTC:
		byAmount = models.SeverityHigh
	case tx.AmountBTC >= d.cfg.MediumBTC:
		byAmount = models.SeverityMedium
	}
	switch {
	case tx.UrgencyScore >= d.cfg.CriticalUrgency:
		byUrgency = models.SeverityCritical
	case tx.UrgencyScore >= d.cfg.HighUrgency:
		byUrgency = models.SeverityHigh
	}
	if byUrgency.Rank() > byAmount.Rank() {
		return byUrgency
	}
	return byAmount
}

// Derive returns an alert for tx when one is due.
func (d *Deriver) Derive(tx models.WhaleTransaction) (models.Alert, bool) {
	sev := d.Severity(tx)
	if sev == "" {
		return models.Alert{}, false
	}
	return models.Alert{
		Severity: sev,
		Message: fmt.Sprintf("%s whale %s: %.2f BTC (urgency %d)",
			sev, tx.Direction, tx.AmountBTC, tx.UrgencyScore),
		Transaction: tx,
	}, true
}
