package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MarketSync MarketSyncConfig `yaml:"marketsync"`
	Kalshi     KalshiConfig     `yaml:"kalshi"`
	Store      StoreConfig      `yaml:"store"`
	API        APIConfig        `yaml:"api"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketSyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type KalshiConfig struct {
	// APIKey is never read from the file; it comes from KALSHI_API_KEY.
	APIKey string       `yaml:"-"`
	REST   RESTConfig   `yaml:"rest"`
	Stream StreamConfig `yaml:"stream"`
}

type RESTConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Limit          int                  `yaml:"limit"`
	SeriesTicker   string               `yaml:"series_ticker"`
	Interval       time.Duration        `yaml:"interval"`
	Timeout        time.Duration        `yaml:"timeout"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type StreamConfig struct {
	URL              string          `yaml:"url"`
	Channels         []string        `yaml:"channels"`
	PingTimeout      time.Duration   `yaml:"ping_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	StopOnClose      bool            `yaml:"stop_on_close"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds automatic redials after a mid-stream close.
// MaxAttempts of zero disables redialing.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Min         time.Duration `yaml:"min"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

type StoreConfig struct {
	ActivityLogSize  int `yaml:"activity_log_size"`
	RecentTradesSize int `yaml:"recent_trades_size"`
	PriceHistorySize int `yaml:"price_history_size"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ArchiveConfig controls periodic parquet exports of the market table to S3.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Compression     string        `yaml:"compression"`
	AccessKeyID     string        `yaml:"-"`
	SecretAccessKey string        `yaml:"-"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		MarketSync: MarketSyncConfig{Name: "marketsync", Version: "dev"},
		Kalshi: KalshiConfig{
			REST: RESTConfig{
				BaseURL:  "https://demo-api.kalshi.co/trade-api/v2",
				Limit:    20,
				Interval: 5 * time.Second,
				Timeout:  10 * time.Second,
				RateLimit: RateLimitConfig{
					RequestsPerSecond: 2,
					BurstSize:         2,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					RecoveryTimeout:  30 * time.Second,
				},
			},
			Stream: StreamConfig{
				URL:              "wss://trading-api.kalshi.com/trade-api/ws/v2",
				Channels:         []string{"orderbook_delta", "ticker"},
				PingTimeout:      15 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				Reconnect: ReconnectConfig{
					Min:    250 * time.Millisecond,
					Max:    5 * time.Second,
					Factor: 2,
					Jitter: 0.2,
				},
			},
		},
		Store: StoreConfig{
			ActivityLogSize:  100,
			RecentTradesSize: 10,
			PriceHistorySize: 100,
		},
		API: APIConfig{Enabled: true, Address: "0.0.0.0:8080"},
		Archive: ArchiveConfig{
			Interval:    time.Minute,
			Prefix:      "marketsync",
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KALSHI_API_KEY"); v != "" {
		cfg.Kalshi.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_REST_URL"); v != "" {
		cfg.Kalshi.REST.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_WS_URL"); v != "" {
		cfg.Kalshi.Stream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Logging.CloudWatch.Region == "" {
		cfg.Logging.CloudWatch.Region = strings.TrimSpace(v)
	}

	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" && cfg.Archive.Region == "" {
			cfg.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Archive.Bucket = strings.TrimSpace(cfg.Archive.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.MarketSync.Name == "" {
		return fmt.Errorf("marketsync.name is required")
	}

	if err := validateURL("kalshi.rest.base_url", cfg.Kalshi.REST.BaseURL, "http", "https"); err != nil {
		return err
	}
	if cfg.Kalshi.REST.Limit <= 0 {
		return fmt.Errorf("kalshi.rest.limit must be greater than 0")
	}
	if cfg.Kalshi.REST.Interval <= 0 {
		return fmt.Errorf("kalshi.rest.interval must be greater than 0")
	}
	if cfg.Kalshi.REST.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("kalshi.rest.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Kalshi.REST.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("kalshi.rest.rate_limit.burst_size must be greater than 0")
	}

	if err := validateURL("kalshi.stream.url", cfg.Kalshi.Stream.URL, "ws", "wss"); err != nil {
		return err
	}
	if len(cfg.Kalshi.Stream.Channels) == 0 {
		return fmt.Errorf("kalshi.stream.channels must not be empty")
	}
	if cfg.Kalshi.Stream.PingTimeout <= 0 {
		return fmt.Errorf("kalshi.stream.ping_timeout must be greater than 0")
	}
	if cfg.Kalshi.Stream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("kalshi.stream.reconnect.max_attempts must not be negative")
	}

	if cfg.Store.ActivityLogSize <= 0 {
		return fmt.Errorf("store.activity_log_size must be greater than 0")
	}
	if cfg.Store.RecentTradesSize <= 0 {
		return fmt.Errorf("store.recent_trades_size must be greater than 0")
	}
	if cfg.Store.PriceHistorySize <= 0 {
		return fmt.Errorf("store.price_history_size must be greater than 0")
	}

	if cfg.API.Enabled && strings.TrimSpace(cfg.API.Address) == "" {
		return fmt.Errorf("api.address is required when the api is enabled")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket '%s' is invalid", cfg.Archive.Bucket)
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when the archive is enabled")
		}
		if cfg.Archive.Interval <= 0 {
			return fmt.Errorf("archive.interval must be greater than 0")
		}
		switch cfg.Archive.Compression {
		case "", "snappy", "gzip", "none":
		default:
			return fmt.Errorf("archive.compression '%s' is not supported", cfg.Archive.Compression)
		}
	}

	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s '%s' is not a valid URL", key, raw)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got '%s'", key, schemes, parsed.Scheme)
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
