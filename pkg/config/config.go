// Package config loads service configuration from an optional TOML file with
// environment overrides (PNWSYNC_ prefix). A .env file in the working
// directory is honored at startup.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pnwsync/pnwsync/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Upstream      UpstreamConfig      `toml:"upstream" envPrefix:"UPSTREAM_"`
	Database      DatabaseConfig      `toml:"database" envPrefix:"DATABASE_"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions" envPrefix:"SUBSCRIPTIONS_"`
	Reconciler    ReconcilerConfig    `toml:"reconciler" envPrefix:"RECONCILER_"`
	REST          RESTConfig          `toml:"rest" envPrefix:"REST_"`
	Logging       LoggingConfig       `toml:"logging" envPrefix:"LOGGING_"`
	Metrics       MetricsConfig       `toml:"metrics" envPrefix:"METRICS_"`
}

// UpstreamConfig holds the upstream API credentials.
type UpstreamConfig struct {
	// APIKey authenticates every subscribe, snapshot and GraphQL request.
	APIKey string `toml:"api_key" env:"API_KEY"`
	// BotKey, when set, is sent as X-Bot-Key on GraphQL requests.
	BotKey string `toml:"bot_key" env:"BOT_KEY"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host     string `toml:"host" env:"HOST"`
	Port     int    `toml:"port" env:"PORT"`
	Database string `toml:"database" env:"DATABASE"`
	User     string `toml:"user" env:"USER"`
	Password string `toml:"password" env:"PASSWORD"`
	SSLMode  string `toml:"ssl_mode" env:"SSL_MODE"`
}

// DSN returns the pgx/lib-pq style connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// SubscriptionsConfig selects which (kind, event) feeds to run. Models maps
// a kind name to a comma-separated event list.
type SubscriptionsConfig struct {
	Models map[string]string `toml:"models" env:"MODELS" envSeparator:";" envKeyValSeparator:":"`
}

// ModelEvents is one kind with its allowed events.
type ModelEvents struct {
	Kind   models.Kind
	Events []models.EventKind
}

// subscribableKinds is the fixed resolution order for Parsed.
var subscribableKinds = []models.Kind{
	models.KindNation,
	models.KindAlliance,
	models.KindAlliancePosition,
	models.KindCity,
	models.KindAccount,
}

// Parsed resolves the Models map into typed (kind, events) pairs in a fixed
// kind order. The value "all" expands to create, update and delete.
func (s SubscriptionsConfig) Parsed() ([]ModelEvents, error) {
	var out []ModelEvents
	seen := 0
	for _, kind := range subscribableKinds {
		spec, ok := s.Models[string(kind)]
		if !ok {
			continue
		}
		seen++
		var evs []models.EventKind
		if strings.TrimSpace(spec) == "all" {
			evs = models.AllEvents()
		} else {
			for _, raw := range strings.Split(spec, ",") {
				ev := models.EventKind(strings.TrimSpace(raw))
				switch ev {
				case models.EventCreate, models.EventUpdate, models.EventDelete:
					evs = append(evs, ev)
				default:
					return nil, fmt.Errorf("unknown event %q for kind %q", raw, kind)
				}
			}
		}
		out = append(out, ModelEvents{Kind: kind, Events: evs})
	}
	if seen != len(s.Models) {
		for name := range s.Models {
			if !isSubscribableKind(name) {
				return nil, fmt.Errorf("unknown subscription kind %q", name)
			}
		}
	}
	return out, nil
}

func isSubscribableKind(name string) bool {
	for _, kind := range subscribableKinds {
		if string(kind) == name {
			return true
		}
	}
	return false
}

// ReconcilerConfig tunes the snapshot reconciler.
type ReconcilerConfig struct {
	// CitiesDelaySeconds defers the city pass after the nation pass so city
	// parents exist before city rows arrive.
	CitiesDelaySeconds int `toml:"cities_delay_seconds" env:"CITIES_DELAY_SECONDS"`
}

// RESTConfig tunes the upstream HTTP client.
type RESTConfig struct {
	// RateLimit requests per RateWindowSeconds across all callers.
	RateLimit         int `toml:"rate_limit" env:"RATE_LIMIT"`
	RateWindowSeconds int `toml:"rate_window_seconds" env:"RATE_WINDOW_SECONDS"`
	// PageSize is the GraphQL page size, capped upstream at 500.
	PageSize int `toml:"page_size" env:"PAGE_SIZE"`
	// BatchSize is how many pages are fetched concurrently.
	BatchSize      int `toml:"batch_size" env:"BATCH_SIZE"`
	TimeoutSeconds int `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

// SlogLevel maps the configured level name onto a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	// Addr, when set, serves /metrics on this address.
	Addr string `toml:"addr" env:"ADDR"`
}

// Defaults returns a Config with every optional knob at its default.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "prefer",
		},
		Subscriptions: SubscriptionsConfig{
			Models: map[string]string{
				"nation":            "all",
				"alliance":          "all",
				"alliance_position": "all",
				"city":              "all",
				"account":           "update",
			},
		},
		Reconciler: ReconcilerConfig{CitiesDelaySeconds: 60},
		REST: RESTConfig{
			RateLimit:         60,
			RateWindowSeconds: 60,
			PageSize:          500,
			BatchSize:         5,
			TimeoutSeconds:    30,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	if c.Database.Database == "" || c.Database.User == "" {
		return fmt.Errorf("database.database and database.user are required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d out of range", c.Database.Port)
	}
	if c.Reconciler.CitiesDelaySeconds < 0 {
		return fmt.Errorf("reconciler.cities_delay_seconds must not be negative")
	}
	if c.REST.RateLimit <= 0 || c.REST.RateWindowSeconds <= 0 {
		return fmt.Errorf("rest.rate_limit and rest.rate_window_seconds must be positive")
	}
	if c.REST.PageSize <= 0 || c.REST.PageSize > 500 {
		return fmt.Errorf("rest.page_size %d out of range (1-500)", c.REST.PageSize)
	}
	if c.REST.BatchSize <= 0 {
		return fmt.Errorf("rest.batch_size must be positive")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if _, err := c.Subscriptions.Parsed(); err != nil {
		return err
	}
	return nil
}
