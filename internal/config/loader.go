package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TVRELAY_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		// A missing file is fine: defaults plus environment still apply.
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TVRELAY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "TVRELAY_EXCHANGE_NAME")
	setStr(&cfg.Exchange.ApiKey, "TVRELAY_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "TVRELAY_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.SecretFile, "TVRELAY_EXCHANGE_SECRET_FILE")
	setStr(&cfg.Exchange.SecretPassword, "TVRELAY_EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.BaseURL, "TVRELAY_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.DataURL, "TVRELAY_EXCHANGE_DATA_URL")
	setStr(&cfg.Exchange.QuoteAsset, "TVRELAY_EXCHANGE_QUOTE_ASSET")
	setDuration(&cfg.Exchange.Timeout, "TVRELAY_EXCHANGE_TIMEOUT")
	setBool(&cfg.Exchange.NativeStops, "TVRELAY_EXCHANGE_NATIVE_STOPS")
	setFloat64(&cfg.Exchange.PaperBalance, "TVRELAY_EXCHANGE_PAPER_BALANCE")

	// ── Sizing ──
	setStr(&cfg.Sizing.Mode, "TVRELAY_SIZING_MODE")
	setFloat64(&cfg.Sizing.Percent, "TVRELAY_SIZING_PERCENT")
	setFloat64(&cfg.Sizing.FixedQuote, "TVRELAY_SIZING_FIXED_QUOTE")

	// ── Risk ──
	setFloat64(&cfg.Risk.StopLossPct, "TVRELAY_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.RunnerFraction, "TVRELAY_RISK_RUNNER_FRACTION")
	setInt(&cfg.Risk.SLRetries, "TVRELAY_RISK_SL_RETRIES")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "TVRELAY_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.FallbackInterval, "TVRELAY_MONITOR_FALLBACK_INTERVAL")

	// ── Signal ──
	setStringSlice(&cfg.Signal.Symbols, "TVRELAY_SIGNAL_SYMBOLS")
	setDuration(&cfg.Signal.StalenessWindow, "TVRELAY_SIGNAL_STALENESS_WINDOW")
	setStr(&cfg.Signal.DuplicatePolicy, "TVRELAY_SIGNAL_DUPLICATE_POLICY")
	setStr(&cfg.Signal.OppositePolicy, "TVRELAY_SIGNAL_OPPOSITE_POLICY")
	setStr(&cfg.Signal.WebhookSecret, "TVRELAY_SIGNAL_WEBHOOK_SECRET")

	// ── Server ──
	setStr(&cfg.Server.Host, "TVRELAY_SERVER_HOST")
	setInt(&cfg.Server.Port, "TVRELAY_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port
	setStr(&cfg.Server.ApiKey, "TVRELAY_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TVRELAY_SERVER_CORS_ORIGINS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TVRELAY_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TVRELAY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "TVRELAY_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TVRELAY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TVRELAY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TVRELAY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TVRELAY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TVRELAY_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TVRELAY_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TVRELAY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TVRELAY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TVRELAY_S3_REGION")
	setStr(&cfg.S3.Bucket, "TVRELAY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TVRELAY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TVRELAY_S3_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TVRELAY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TVRELAY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TVRELAY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TVRELAY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TVRELAY_MODE")
	setStr(&cfg.LogLevel, "TVRELAY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
