package utils

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PressureLevel represents the memory pressure state machine's current state.
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
	PressureRecovery
)

// String returns string representation of memory pressure
func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "NORMAL"
	case PressureWarning:
		return "WARNING"
	case PressureCritical:
		return "CRITICAL"
	case PressureRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// PressureAware is implemented by components that can give memory back.
// OnEnter is called when the monitor enters WARNING or CRITICAL; OnExit is
// called once the monitor is back to NORMAL, with the most severe level seen
// during the episode.
type PressureAware interface {
	OnEnter(level PressureLevel)
	OnExit(level PressureLevel)
}

// MemoryConfig holds the thresholds of the pressure state machine.
type MemoryConfig struct {
	WarningMB      uint64        `long:"mem-warning-mb" env:"MEM_WARNING_MB" default:"512" description:"Resident memory above which WARNING is entered"`
	CriticalMB     uint64        `long:"mem-critical-mb" env:"MEM_CRITICAL_MB" default:"1024" description:"Resident memory above which CRITICAL is entered"`
	RecoveryMB     uint64        `long:"mem-recovery-mb" env:"MEM_RECOVERY_MB" default:"400" description:"Resident memory below which RECOVERY starts"`
	SustainPeriod  time.Duration `long:"mem-sustain" env:"MEM_SUSTAIN" default:"60s" description:"Time usage must stay below recovery before NORMAL"`
	SampleInterval time.Duration `long:"mem-sample-interval" env:"MEM_SAMPLE_INTERVAL" default:"10s" description:"Memory sampling interval"`
	ShrinkFactor   float64       `long:"mem-shrink-factor" env:"MEM_SHRINK_FACTOR" default:"0.5" description:"Fraction of capacity kept under CRITICAL pressure"`
}

// DefaultMemoryConfig returns default thresholds.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		WarningMB:      512,
		CriticalMB:     1024,
		RecoveryMB:     400,
		SustainPeriod:  60 * time.Second,
		SampleInterval: 10 * time.Second,
		ShrinkFactor:   0.5,
	}
}

// KeepFraction returns the fraction of its normal capacity a component should
// keep at the given level. WARNING keeps halfway between full and the CRITICAL
// shrink factor.
func (c MemoryConfig) KeepFraction(level PressureLevel) float64 {
	switch level {
	case PressureCritical:
		return c.ShrinkFactor
	case PressureWarning:
		return (1 + c.ShrinkFactor) / 2
	default:
		return 1
	}
}

// MemorySource reports the current resident memory in bytes.
type MemorySource func() uint64

// RuntimeMemorySource approximates resident memory from the Go runtime: memory
// obtained from the OS minus heap pages already returned to it.
func RuntimeMemorySource() uint64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.Sys - memStats.HeapReleased
}

type registeredHandler struct {
	name    string
	handler PressureAware
}

// MemoryMonitor tracks memory usage and drives the pressure state machine.
type MemoryMonitor struct {
	cfg    MemoryConfig
	source MemorySource
	logger zerolog.Logger

	mu            sync.Mutex
	level         PressureLevel
	peak          PressureLevel
	recoverySince time.Time
	handlers      []registeredHandler

	// Atomic counters for the stats endpoint
	lastUsage      uint64
	transitions    int64
	forceGCRuns    int64
	lastTransition int64
}

// NewMemoryMonitor creates a monitor. A nil source uses RuntimeMemorySource.
func NewMemoryMonitor(cfg MemoryConfig, source MemorySource) *MemoryMonitor {
	if source == nil {
		source = RuntimeMemorySource
	}
	return &MemoryMonitor{
		cfg:    cfg,
		source: source,
		logger: NewComponentLogger(ComponentMemory),
		level:  PressureNormal,
	}
}

// Register appends a handler. Handlers are notified in registration order.
func (mm *MemoryMonitor) Register(name string, h PressureAware) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.handlers = append(mm.handlers, registeredHandler{name: name, handler: h})
}

// Level returns the current pressure level.
func (mm *MemoryMonitor) Level() PressureLevel {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.level
}

// Run samples memory on every tick until ctx is cancelled.
func (mm *MemoryMonitor) Run(ctx context.Context) {
	interval := mm.cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mm.Sample(now)
		}
	}
}

// Sample reads the memory source and feeds the state machine.
func (mm *MemoryMonitor) Sample(now time.Time) PressureLevel {
	return mm.Evaluate(mm.source(), now)
}

// Evaluate advances the state machine with a usage reading in bytes and
// invokes handlers for the resulting transition, if any.
func (mm *MemoryMonitor) Evaluate(usage uint64, now time.Time) PressureLevel {
	atomic.StoreUint64(&mm.lastUsage, usage)
	usageMB := usage / (1024 * 1024)

	mm.mu.Lock()
	from := mm.level
	to := mm.next(from, usageMB, now)
	if to == from {
		mm.mu.Unlock()
		return to
	}

	mm.level = to
	peak := mm.peak
	switch to {
	case PressureWarning, PressureCritical:
		if to > mm.peak {
			mm.peak = to
		}
	case PressureNormal:
		mm.peak = PressureNormal
	}
	handlers := append([]registeredHandler(nil), mm.handlers...)
	mm.mu.Unlock()

	atomic.AddInt64(&mm.transitions, 1)
	atomic.StoreInt64(&mm.lastTransition, now.Unix())

	logEvent := mm.logger.Info()
	if to == PressureWarning || to == PressureCritical {
		logEvent = mm.logger.Warn()
	}
	logEvent.
		Str("from", from.String()).
		Str("to", to.String()).
		Uint64("usage_mb", usageMB).
		Msg("memory pressure transition")

	switch to {
	case PressureWarning, PressureCritical:
		for _, h := range handlers {
			mm.logger.Debug().Str("handler", h.name).Str("level", to.String()).Msg("pressure enter")
			h.handler.OnEnter(to)
		}
		if to == PressureCritical {
			runtime.GC()
			atomic.AddInt64(&mm.forceGCRuns, 1)
		}
	case PressureNormal:
		for _, h := range handlers {
			mm.logger.Debug().Str("handler", h.name).Str("level", peak.String()).Msg("pressure exit")
			h.handler.OnExit(peak)
		}
	}
	return to
}

// next computes the state the machine moves to. Must be called with mu held.
func (mm *MemoryMonitor) next(from PressureLevel, usageMB uint64, now time.Time) PressureLevel {
	c := mm.cfg
	switch from {
	case PressureNormal:
		switch {
		case usageMB >= c.CriticalMB:
			return PressureCritical
		case usageMB >= c.WarningMB:
			return PressureWarning
		}
		return PressureNormal

	case PressureWarning, PressureCritical:
		switch {
		case usageMB >= c.CriticalMB:
			return PressureCritical
		case usageMB < c.RecoveryMB:
			mm.recoverySince = now
			return PressureRecovery
		case from == PressureCritical:
			return PressureWarning
		}
		return from

	case PressureRecovery:
		switch {
		case usageMB >= c.CriticalMB:
			mm.recoverySince = time.Time{}
			return PressureCritical
		case usageMB >= c.WarningMB:
			mm.recoverySince = time.Time{}
			return PressureWarning
		case usageMB >= c.RecoveryMB:
			// Not sustained; the clock restarts on the next reading below.
			mm.recoverySince = time.Time{}
			return PressureRecovery
		}
		if mm.recoverySince.IsZero() {
			mm.recoverySince = now
			return PressureRecovery
		}
		if now.Sub(mm.recoverySince) >= c.SustainPeriod {
			mm.recoverySince = time.Time{}
			return PressureNormal
		}
		return PressureRecovery
	}
	return from
}

// GetStats returns memory monitor statistics
func (mm *MemoryMonitor) GetStats() map[string]interface{} {
	level := mm.Level()
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"level":           level.String(),
		"usage_mb":        float64(atomic.LoadUint64(&mm.lastUsage)) / (1024 * 1024),
		"heap_alloc_mb":   float64(memStats.HeapAlloc) / (1024 * 1024),
		"heap_inuse_mb":   float64(memStats.HeapInuse) / (1024 * 1024),
		"gc_cycles":       memStats.NumGC,
		"transitions":     atomic.LoadInt64(&mm.transitions),
		"force_gc_runs":   atomic.LoadInt64(&mm.forceGCRuns),
		"last_transition": time.Unix(atomic.LoadInt64(&mm.lastTransition), 0).UTC().Format(time.RFC3339),
		"warning_mb":      mm.cfg.WarningMB,
		"critical_mb":     mm.cfg.CriticalMB,
		"recovery_mb":     mm.cfg.RecoveryMB,
	}
}
