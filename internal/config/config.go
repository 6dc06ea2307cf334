// Package config defines the top-level configuration for the trading relay
// and provides validation helpers.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TVRELAY_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Sizing    SizingConfig    `toml:"sizing"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Signal    SignalConfig    `toml:"signal"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig selects and authenticates the exchange gateway.
type ExchangeConfig struct {
	Name           string   `toml:"name"` // mexc, alpaca or paper
	ApiKey         string   `toml:"api_key"`
	ApiSecret      string   `toml:"api_secret"`
	SecretFile     string   `toml:"secret_file"`
	SecretPassword string   `toml:"secret_password"`
	BaseURL        string   `toml:"base_url"`
	DataURL        string   `toml:"data_url"` // alpaca market data host
	QuoteAsset     string   `toml:"quote_asset"`
	Timeout        duration `toml:"timeout"`
	RecvWindow     int      `toml:"recv_window"`
	PriceDecimals  int      `toml:"price_precision"`
	QtyDecimals    int      `toml:"qty_precision"`
	// NativeStops only applies to the paper gateway; real gateways report
	// their own capability.
	NativeStops  bool    `toml:"native_stops"`
	PaperBalance float64 `toml:"paper_balance"`
}

// SizingConfig controls how much quote currency each entry commits.
type SizingConfig struct {
	Mode        string  `toml:"mode"`    // percentage or fixed
	Percent     float64 `toml:"percent"` // of free quote balance, clamped to 20-100
	FixedQuote  float64 `toml:"fixed_quote"`
	MinNotional float64 `toml:"min_notional"`
}

// RiskConfig holds stop-loss and runner parameters.
type RiskConfig struct {
	StopLossPct    float64  `toml:"stop_loss_pct"`   // percent, 5 means 5%
	RunnerFraction float64  `toml:"runner_fraction"` // of initial quantity
	RunnerEpsilon  float64  `toml:"runner_epsilon"`  // of initial quantity
	SLRetries      int      `toml:"sl_retries"`
	SLRetryDelay   duration `toml:"sl_retry_delay"`
}

// ExecutionConfig bounds the wait for an entry fill.
type ExecutionConfig struct {
	FillTimeout      duration `toml:"fill_timeout"`
	FillPollInterval duration `toml:"fill_poll_interval"`
}

// MonitorConfig drives the background TP/SL and fallback loops.
type MonitorConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	FallbackInterval duration `toml:"fallback_interval"`
	TPRetryLimit     int      `toml:"tp_retry_limit"`
	CancelOnRunner   bool     `toml:"cancel_on_runner"`
}

// SignalConfig controls webhook validation and conflict policy.
type SignalConfig struct {
	Symbols         []string `toml:"symbols"`
	StalenessWindow duration `toml:"staleness_window"`
	MaxSkew         duration `toml:"max_skew"`
	DuplicatePolicy string   `toml:"duplicate_policy"` // reject or warn_allow
	OppositePolicy  string   `toml:"opposite_policy"`  // reject, close or hedge
	DedupTTL        duration `toml:"dedup_ttl"`
	HistorySize     int      `toml:"history_size"`
	WebhookSecret   string   `toml:"webhook_secret"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	ApiKey       string   `toml:"api_key"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimitRPS int      `toml:"rate_limit_rps"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ScheduleConfig holds cron expressions for housekeeping jobs.
type ScheduleConfig struct {
	ArchiveCron    string   `toml:"archive_cron"`
	HeartbeatCron  string   `toml:"heartbeat_cron"`
	WebhookSilence duration `toml:"webhook_silence"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:          "mexc",
			BaseURL:       "https://api.mexc.com",
			QuoteAsset:    "USDT",
			Timeout:       duration{10 * time.Second},
			RecvWindow:    5000,
			PriceDecimals: 8,
			QtyDecimals:   8,
			PaperBalance:  10000,
		},
		Sizing: SizingConfig{
			Mode:        "percentage",
			Percent:     20,
			MinNotional: 1,
		},
		Risk: RiskConfig{
			StopLossPct:    5,
			RunnerFraction: 0.025,
			RunnerEpsilon:  0.0001,
			SLRetries:      3,
			SLRetryDelay:   duration{500 * time.Millisecond},
		},
		Execution: ExecutionConfig{
			FillTimeout:      duration{10 * time.Second},
			FillPollInterval: duration{time.Second},
		},
		Monitor: MonitorConfig{
			PollInterval:     duration{5 * time.Second},
			FallbackInterval: duration{2 * time.Second},
			TPRetryLimit:     5,
			CancelOnRunner:   true,
		},
		Signal: SignalConfig{
			StalenessWindow: duration{5 * time.Minute},
			MaxSkew:         duration{30 * time.Second},
			DuplicatePolicy: "reject",
			OppositePolicy:  "reject",
			DedupTTL:        duration{time.Minute},
			HistorySize:     100,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimitRPS: 10,
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			LockTTL:    duration{30 * time.Second},
			PriceTTL:   duration{2 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tvrelay-journal",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "entry_failed", "stop_relocated", "stopped_out", "runner_left", "force_closed", "webhook_silent"},
		},
		Schedule: ScheduleConfig{
			ArchiveCron:    "0 0 * * * *",
			HeartbeatCron:  "0 */5 * * * *",
			WebhookSilence: duration{5 * time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
	"paper":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var (
	validExchanges       = map[string]bool{"mexc": true, "alpaca": true, "paper": true}
	validSizingModes     = map[string]bool{"percentage": true, "fixed": true}
	validDuplicatePolicy = map[string]bool{"reject": true, "warn_allow": true}
	validOppositePolicy  = map[string]bool{"reject": true, "close": true, "hedge": true}
	symbolPattern        = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)
)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if !validExchanges[c.Exchange.Name] {
		errs = append(errs, fmt.Sprintf("exchange: unknown name %q (valid: mexc, alpaca, paper)", c.Exchange.Name))
	}
	if c.ExchangeName() != "paper" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key is required for "+c.Exchange.Name)
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.SecretFile == "" {
			errs = append(errs, "exchange: either api_secret or secret_file must be set")
		}
		if c.Exchange.SecretFile != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when secret_file is set")
		}
		if c.Exchange.BaseURL == "" {
			errs = append(errs, "exchange: base_url must not be empty")
		}
	}
	if c.Exchange.QuoteAsset == "" {
		errs = append(errs, "exchange: quote_asset must not be empty")
	}
	if c.Exchange.PriceDecimals < 0 || c.Exchange.PriceDecimals > 18 {
		errs = append(errs, "exchange: price_precision must be 0-18")
	}
	if c.Exchange.QtyDecimals < 0 || c.Exchange.QtyDecimals > 18 {
		errs = append(errs, "exchange: qty_precision must be 0-18")
	}

	// Sizing
	if !validSizingModes[c.Sizing.Mode] {
		errs = append(errs, fmt.Sprintf("sizing: unknown mode %q (valid: percentage, fixed)", c.Sizing.Mode))
	}
	if c.Sizing.Mode == "fixed" && c.Sizing.FixedQuote <= 0 {
		errs = append(errs, "sizing: fixed_quote must be > 0 in fixed mode")
	}
	if c.Sizing.Mode == "percentage" && c.Sizing.Percent <= 0 {
		errs = append(errs, "sizing: percent must be > 0 in percentage mode")
	}

	// Risk
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 100 {
		errs = append(errs, "risk: stop_loss_pct must be in (0, 100)")
	}
	if c.Risk.RunnerFraction < 0 || c.Risk.RunnerFraction > 0.05 {
		errs = append(errs, "risk: runner_fraction must be in [0, 0.05]")
	}
	if c.Risk.RunnerEpsilon < 0 {
		errs = append(errs, "risk: runner_epsilon must be >= 0")
	}
	if c.Risk.SLRetries < 1 {
		errs = append(errs, "risk: sl_retries must be >= 1")
	}

	// Execution and monitors
	if c.Execution.FillTimeout.Duration <= 0 || c.Execution.FillPollInterval.Duration <= 0 {
		errs = append(errs, "execution: fill_timeout and fill_poll_interval must be > 0")
	}
	if c.Monitor.PollInterval.Duration <= 0 || c.Monitor.FallbackInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval and fallback_interval must be > 0")
	}

	// Signal
	if !validDuplicatePolicy[c.Signal.DuplicatePolicy] {
		errs = append(errs, fmt.Sprintf("signal: unknown duplicate_policy %q (valid: reject, warn_allow)", c.Signal.DuplicatePolicy))
	}
	if !validOppositePolicy[c.Signal.OppositePolicy] {
		errs = append(errs, fmt.Sprintf("signal: unknown opposite_policy %q (valid: reject, close, hedge)", c.Signal.OppositePolicy))
	}
	for _, s := range c.Signal.Symbols {
		if !symbolPattern.MatchString(s) {
			errs = append(errs, fmt.Sprintf("signal: symbol %q must be upper-case alphanumeric", s))
		}
	}
	if c.Signal.HistorySize < 1 {
		errs = append(errs, "signal: history_size must be >= 1")
	}

	// Server
	if c.Mode != "monitor" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Postgres
	if c.Mode == "monitor" && !c.Postgres.Enabled {
		errs = append(errs, "postgres: must be enabled for monitor mode")
	}
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, "postgres: dsn must not be empty")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: journal archiving requires postgres")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExchangeName is the gateway actually used; paper mode overrides the
// configured exchange.
func (c *Config) ExchangeName() string {
	if c.Mode == "paper" {
		return "paper"
	}
	return c.Exchange.Name
}
