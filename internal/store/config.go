package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smartapi-gateway/internal/types"
)

const (
	ProviderAngelOne = "angelone"
	ProviderKite     = "kite"
)

// Duration is a time.Duration that reads Go duration strings ("10s", "30m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
		MaxBatch    int      `yaml:"max_batch"`
		MaxBodySize int64    `yaml:"max_body_bytes"`
		// A negative per_second disables the per-IP limiter.
		RateLimit   struct {
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
		// TrustProxy keys rate limiting and logs on X-Forwarded-For / X-Real-IP.
		// Enable only behind a proxy that overwrites those headers.
		TrustProxy      bool     `yaml:"trust_proxy"`
	} `yaml:"server"`
	Broker struct {
		Provider string `yaml:"provider"`
	} `yaml:"broker"`
	Upstream struct {
		BaseURL        string   `yaml:"base_url"`
		LoginPath      string   `yaml:"login_path"`
		LTPPath        string   `yaml:"ltp_path"`
		HistoricalPath string   `yaml:"historical_path"`
		Timeout        Duration `yaml:"timeout"`
		// A negative rate_per_second disables upstream throttling.
		RatePerSecond  float64  `yaml:"rate_per_second"`
		RateBurst      int      `yaml:"rate_burst"`
		Retry          struct {
			Attempts int      `yaml:"attempts"`
			Backoff  Duration `yaml:"backoff"`
		} `yaml:"retry"`
		SourceID       string `yaml:"source_id"`
		ClientLocalIP  string `yaml:"client_local_ip"`
		ClientPublicIP string `yaml:"client_public_ip"`
		MACAddress     string `yaml:"mac_address"`
		UserType       string `yaml:"user_type"`
	} `yaml:"upstream"`
	Session struct {
		CacheTTL      Duration `yaml:"cache_ttl"`
		RefreshMargin Duration `yaml:"refresh_margin"`
		RefreshCron   string   `yaml:"refresh_cron"`
	} `yaml:"session"`
	Batch struct {
		MaxConcurrency int `yaml:"max_concurrency"`
	} `yaml:"batch"`
	Kite struct {
		APIKey      string `yaml:"api_key"`
		AccessToken string `yaml:"access_token"`
		BaseURL     string `yaml:"base_url"`
	} `yaml:"kite"`
	QuoteLog struct {
		Dir      string `yaml:"dir"`
		KeepDays int    `yaml:"keep_days"`
		Compress bool   `yaml:"compress"`
	} `yaml:"quotelog"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"https://stock-savvy-safar-app.vercel.app"}
	}
	if c.Server.MaxBatch == 0 {
		c.Server.MaxBatch = 500
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = 1 << 20
	}
	if c.Server.RateLimit.PerSecond == 0 {
		c.Server.RateLimit.PerSecond = 5
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 10
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = ProviderAngelOne
	}

	u := &c.Upstream
	if u.BaseURL == "" {
		u.BaseURL = "https://apiconnect.angelone.in"
	}
	if u.LoginPath == "" {
		u.LoginPath = "/rest/auth/angelbroking/user/v1/loginByPassword"
	}
	if u.LTPPath == "" {
		u.LTPPath = "/rest/secure/market/v1/ltp"
	}
	if u.HistoricalPath == "" {
		u.HistoricalPath = "/rest/marketdata/v1/historical/candle-data"
	}
	if u.Timeout == 0 {
		u.Timeout = Duration(10 * time.Second)
	}
	if u.RatePerSecond == 0 {
		u.RatePerSecond = 10
	}
	if u.RateBurst == 0 {
		u.RateBurst = 10
	}
	if u.Retry.Attempts == 0 {
		u.Retry.Attempts = 3
	}
	if u.Retry.Backoff == 0 {
		u.Retry.Backoff = Duration(200 * time.Millisecond)
	}
	if u.SourceID == "" {
		u.SourceID = "WEB"
	}
	if u.ClientLocalIP == "" {
		u.ClientLocalIP = "127.0.0.1"
	}
	if u.ClientPublicIP == "" {
		u.ClientPublicIP = "127.0.0.1"
	}
	if u.MACAddress == "" {
		u.MACAddress = "00:00:00:00:00:00"
	}
	if u.UserType == "" {
		u.UserType = "USER"
	}

	if c.Session.RefreshMargin == 0 {
		c.Session.RefreshMargin = Duration(time.Minute)
	}
	if c.Batch.MaxConcurrency == 0 {
		c.Batch.MaxConcurrency = 4
	}
	if c.QuoteLog.KeepDays == 0 {
		c.QuoteLog.KeepDays = 7
	}
}

// applyEnv lets deployment environments override the file without editing it.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRUST_PROXY %q: %w", v, err)
		}
		c.Server.TrustProxy = b
	}
	if v := os.Getenv("BROKER_PROVIDER"); v != "" {
		c.Broker.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ANGEL_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("SESSION_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SESSION_CACHE_TTL %q: %w", v, err)
		}
		c.Session.CacheTTL = Duration(d)
	}
	if v := os.Getenv("BATCH_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BATCH_MAX_CONCURRENCY %q: %w", v, err)
		}
		c.Batch.MaxConcurrency = n
	}
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		c.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		c.Kite.AccessToken = v
	}
	if v := os.Getenv("QUOTE_LOG_DIR"); v != "" {
		c.QuoteLog.Dir = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBatch < 1 {
		return fmt.Errorf("server.max_batch must be positive, got %d", c.Server.MaxBatch)
	}
	if c.Broker.Provider != ProviderAngelOne && c.Broker.Provider != ProviderKite {
		return fmt.Errorf("invalid broker.provider '%s': must be '%s' or '%s'", c.Broker.Provider, ProviderAngelOne, ProviderKite)
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url cannot be empty")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", c.Upstream.Timeout.Std())
	}
	if c.Upstream.Retry.Attempts < 1 {
		return fmt.Errorf("upstream.retry.attempts must be at least 1, got %d", c.Upstream.Retry.Attempts)
	}
	if c.Session.CacheTTL < 0 {
		return fmt.Errorf("session.cache_ttl cannot be negative, got %s", c.Session.CacheTTL.Std())
	}
	if c.Session.CacheTTL > 0 && c.Session.RefreshMargin.Std() >= c.Session.CacheTTL.Std() {
		return fmt.Errorf("session.refresh_margin (%s) must be shorter than session.cache_ttl (%s)",
			c.Session.RefreshMargin.Std(), c.Session.CacheTTL.Std())
	}
	if c.Session.RefreshCron != "" && c.Session.CacheTTL == 0 {
		return errors.New("session.refresh_cron requires session.cache_ttl to be set")
	}
	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch.max_concurrency must be at least 1, got %d", c.Batch.MaxConcurrency)
	}
	return nil
}

// LoadConfig reads path, fills defaults and applies environment overrides.
// A missing file is not an error: the defaults are used.
func LoadConfig(path string) (*Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	c.applyDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

// CredentialsFromEnv reads the login secrets. Empty values are returned as-is;
// the session manager decides whether they are usable.
func CredentialsFromEnv() types.Credentials {
	return types.Credentials{
		APIKey:     strings.TrimSpace(os.Getenv("API_KEY")),
		ClientID:   strings.TrimSpace(os.Getenv("CLIENT_ID")),
		PIN:        strings.TrimSpace(os.Getenv("MPIN")),
		TOTPSecret: strings.TrimSpace(os.Getenv("TOTP_SECRET")),
	}
}
