// Package config loads the gateway's process-wide configuration: a
// JSON5 file overlaid with GATEWAY_* environment variables, the latter
// always winning. Per-bot and per-group behavior lives in router.Store
// / groupstore.Store instead — this package covers only what must be
// known before those stores can even be opened.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// RedisConfig configures the shared Redis client backing
// sessionbuf/llbot/grouproute/echotracker.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// NATSConfig configures the SessionQueue's JetStream connection.
type NATSConfig struct {
	URL        string `json:"url"`
	StreamName string `json:"streamName,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// DatabaseConfig selects and configures the session-resolver backing.
type DatabaseConfig struct {
	// Mode is "sqlite" or "postgres".
	Mode       string `json:"mode"`
	SqlitePath string `json:"sqlitePath,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// QQMilkyConfig configures the Milky-protocol (qq) adapter pool.
type QQMilkyConfig struct {
	Enabled bool `json:"enabled"`
}

// TelemetryConfig configures the OpenTelemetry exporter.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" | "http"
	ServiceName string `json:"serviceName,omitempty"`
}

// Config is the gateway's full process-surface configuration.
type Config struct {
	DataDir string `json:"dataDir"`

	Redis     RedisConfig     `json:"redis"`
	NATS      NATSConfig      `json:"nats"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`

	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	QQMilky  QQMilkyConfig  `json:"qqmilky"`

	// LlbotPrefix namespaces the Redis keys used by the llbot registry.
	LlbotPrefix string `json:"llbotPrefix"`

	// PushTickInterval paces GroupHotPushScheduler's sweep (spec §4.7).
	PushTickInterval time.Duration `json:"-"`

	// ModelWhitelist lists the model names "/model <name>" may select.
	ModelWhitelist []string `json:"modelWhitelist"`
}

// Default returns a Config with sensible defaults for local
// development: in-process data dir, local Redis/NATS, sqlite sessions.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222"},
		Database: DatabaseConfig{
			Mode:       "sqlite",
			SqlitePath: "./data/sessions.db",
		},
		Telemetry:        TelemetryConfig{ServiceName: "gatewaybot"},
		LlbotPrefix:      "llbot",
		PushTickInterval: 30 * time.Second,
	}
}

// Load reads a JSON5 config file (if present) over the defaults, then
// overlays GATEWAY_* environment variables, which always win. A
// missing file is not an error — env vars and defaults alone are
// enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overrides
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("GATEWAY_DATA_DIR", &c.DataDir)

	envStr("GATEWAY_REDIS_ADDR", &c.Redis.Addr)
	envStr("GATEWAY_REDIS_PASSWORD", &c.Redis.Password)
	envInt("GATEWAY_REDIS_DB", &c.Redis.DB)

	envStr("GATEWAY_NATS_URL", &c.NATS.URL)
	envStr("GATEWAY_NATS_STREAM", &c.NATS.StreamName)
	envStr("GATEWAY_NATS_SUBJECT", &c.NATS.Subject)

	envStr("GATEWAY_DB_MODE", &c.Database.Mode)
	envStr("GATEWAY_SQLITE_PATH", &c.Database.SqlitePath)
	envStr("GATEWAY_POSTGRES_DSN", &c.Database.PostgresDSN)

	envBool("GATEWAY_DISCORD_ENABLED", &c.Discord.Enabled)
	envStr("GATEWAY_DISCORD_TOKEN", &c.Discord.Token)
	envBool("GATEWAY_TELEGRAM_ENABLED", &c.Telegram.Enabled)
	envStr("GATEWAY_TELEGRAM_TOKEN", &c.Telegram.Token)
	envBool("GATEWAY_QQMILKY_ENABLED", &c.QQMilky.Enabled)

	envStr("GATEWAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GATEWAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GATEWAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	envStr("GATEWAY_LLBOT_PREFIX", &c.LlbotPrefix)

	if v := os.Getenv("GATEWAY_MODEL_WHITELIST"); v != "" {
		parts := strings.Split(v, ",")
		whitelist := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				whitelist = append(whitelist, p)
			}
		}
		c.ModelWhitelist = whitelist
	}

	if v := os.Getenv("GATEWAY_PUSH_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PushTickInterval = time.Duration(n) * time.Second
		}
	}
}
