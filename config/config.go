// Package config assembles the settings of every component into one value,
// loaded once at startup and passed down explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"whale-backend/internal/alerts"
	"whale-backend/internal/auth"
	"whale-backend/internal/channels"
	"whale-backend/internal/classifier"
	"whale-backend/internal/correlation"
	"whale-backend/internal/database"
	"whale-backend/internal/ingest"
	"whale-backend/internal/netflow"
	"whale-backend/internal/price"
	"whale-backend/internal/ratelimit"
	"whale-backend/internal/urgency"
	"whale-backend/internal/utils"
	"whale-backend/internal/ws"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen          string        `long:"listen" env:"LISTEN" default:":8080" description:"HTTP listen address"`
	TokenSecret     string        `long:"token-secret" env:"TOKEN_SECRET" description:"Secret used to sign and verify subscriber tokens"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"10s" description:"Time allowed for a graceful shutdown"`
}

// Config holds all application configuration.
type Config struct {
	EnvFile string `long:"env-file" env:"ENV_FILE" default:".env" description:"Optional dotenv file loaded before the environment is read"`
	Network string `long:"network" env:"NETWORK" default:"mainnet" choice:"mainnet" choice:"testnet3" choice:"signet" choice:"regtest" description:"Bitcoin network of the exchange address set"`

	Log         utils.LogConfig       `group:"Logging"`
	Server      ServerConfig          `group:"Server"`
	Broadcast   ws.Config             `group:"Broadcast" namespace:"ws" env-namespace:"WS"`
	RateLimit   ratelimit.Config      `group:"Rate limiting"`
	Feed        ingest.Config         `group:"Upstream feed" namespace:"feed" env-namespace:"FEED"`
	Channels    channels.Config       `group:"Pipeline buffers"`
	Classifier  classifier.Config     `group:"Classifier"`
	Urgency     urgency.Config        `group:"Urgency"`
	Alerts      alerts.Config         `group:"Alerts"`
	NetFlow     netflow.Config        `group:"Net flow"`
	Memory      utils.MemoryConfig    `group:"Memory pressure"`
	Price       price.Config          `group:"Price reference" namespace:"price" env-namespace:"PRICE"`
	Database    database.Config       `group:"Database" namespace:"db" env-namespace:"DB"`
	Correlation correlation.Config    `group:"Correlation" namespace:"correlation" env-namespace:"CORRELATION"`
	RPC         correlation.RPCConfig `group:"Node RPC"`
}

// DefaultConfig returns default configuration for the entire application.
func DefaultConfig() Config {
	return Config{
		EnvFile: ".env",
		Network: "mainnet",
		Log:     utils.DefaultLogConfig(),
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Broadcast:   ws.DefaultConfig(),
		RateLimit:   ratelimit.DefaultConfig(),
		Feed:        ingest.DefaultConfig(),
		Channels:    channels.DefaultConfig(),
		Classifier:  classifier.DefaultConfig(),
		Urgency:     urgency.DefaultConfig(),
		Alerts:      alerts.DefaultConfig(),
		NetFlow:     netflow.DefaultConfig(),
		Memory:      utils.DefaultMemoryConfig(),
		Price:       price.DefaultConfig(),
		Database:    database.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		RPC:         correlation.RPCConfig{CacheSize: 4096},
	}
}

// Load builds the configuration from, lowest to highest priority, defaults,
// the dotenv file, the environment and the command line. A missing dotenv
// file is not an error. The returned config has been validated.
func Load(args []string) (Config, error) {
	cfg := DefaultConfig()

	// The env file location can only come from the environment or the
	// command line, so resolve it before the full parse.
	envFile := cfg.EnvFile
	if v := os.Getenv("ENV_FILE"); v != "" {
		envFile = v
	}
	for i, arg := range args {
		if arg == "--env-file" && i+1 < len(args) {
			envFile = args[i+1]
		} else if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			envFile = v
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Params returns the chain parameters of the configured network.
func (c Config) Params() *chaincfg.Params {
	switch c.Network {
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if len(c.Server.TokenSecret) < auth.MinSecretLen {
		return fmt.Errorf("token secret must be at least %d bytes", auth.MinSecretLen)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Classifier.WhaleThresholdBTC <= 0 {
		return errors.New("whale threshold must be positive")
	}
	if c.Classifier.CacheCapacity < 1 {
		return errors.New("cache capacity must be at least 1")
	}
	if c.Urgency.MediumBTC <= 0 || c.Urgency.HighBTC < c.Urgency.MediumBTC || c.Urgency.CriticalBTC < c.Urgency.HighBTC {
		return errors.New("urgency amount tiers must be positive and ascending")
	}
	if err := c.validateMemory(); err != nil {
		return err
	}
	if c.NetFlow.TickInterval <= 0 || c.NetFlow.Window < c.NetFlow.TickInterval {
		return errors.New("net-flow window must be at least one positive tick")
	}
	if c.NetFlow.Retention < c.NetFlow.Window {
		return errors.New("net-flow retention must cover the window")
	}
	if c.Price.StaticUSD < 0 {
		return errors.New("static price must not be negative")
	}
	if c.Price.StaticUSD == 0 && c.Price.PollInterval <= 0 {
		return errors.New("price poll interval must be positive")
	}
	if c.Feed.URL == "" {
		return errors.New("upstream feed URL is required")
	}

	for _, part := range []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"broadcast", c.Broadcast},
		{"rate limit", c.RateLimit},
		{"reconnect", c.Feed.Reconnect},
		{"alerts", c.Alerts},
		{"database", c.Database},
		{"correlation", c.Correlation},
	} {
		if err := part.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", part.name, err)
		}
	}
	return nil
}

func (c Config) validateMemory() error {
	m := c.Memory
	switch {
	case !(m.RecoveryMB < m.WarningMB && m.WarningMB < m.CriticalMB):
		return errors.New("memory thresholds must satisfy recovery < warning < critical")
	case m.ShrinkFactor <= 0 || m.ShrinkFactor > 1:
		return errors.New("memory shrink factor must be in (0,1]")
	case m.SustainPeriod <= 0 || m.SampleInterval <= 0:
		return errors.New("memory sustain period and sample interval must be positive")
	}
	return nil
}
