package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"depthbook/internal/binance"
)

type Config struct {
	Symbol         string `yaml:"symbol"`
	Market         string `yaml:"market"`
	SnapshotLimit  int    `yaml:"snapshot_limit"`
	BufferCapacity int    `yaml:"buffer_capacity"`

	Feed struct {
		MinBackoff     time.Duration `yaml:"min_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		StallThreshold int           `yaml:"stall_threshold"`
	} `yaml:"feed"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	Binance binance.Endpoints `yaml:"binance"`
}

func defaultConfig() Config {
	var c Config
	c.Symbol = "BTCUSDT"
	c.Market = string(binance.MarketSpot)
	c.SnapshotLimit = 1000
	c.BufferCapacity = 500
	c.Feed.MinBackoff = 500 * time.Millisecond
	c.Feed.MaxBackoff = 5 * time.Second
	c.Feed.StallThreshold = 50
	c.Logging.Level = "info"
	c.Server.Addr = "127.0.0.1:8080"
	c.NATS.URL = "nats://127.0.0.1:4222"
	c.NATS.Subject = "depthbook.top"
	c.Binance = binance.DefaultEndpoints("global")
	return c
}

// Load layers the YAML file named by DEPTHBOOK_CONFIG and then environment
// overrides on top of the defaults.
func Load() (Config, error) {
	c := defaultConfig()
	if path := os.Getenv("DEPTHBOOK_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	get := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }

	if v := get("DEPTHBOOK_SYMBOL"); v != "" {
		c.Symbol = v
	}
	if v := get("DEPTHBOOK_MARKET"); v != "" {
		c.Market = v
	}
	if v := get("DEPTHBOOK_SNAPSHOT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SnapshotLimit = n
		}
	}
	if v := get("DEPTHBOOK_BUFFER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BufferCapacity = n
		}
	}
	if v := get("DEPTHBOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := get("DEPTHBOOK_LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := get("DEPTHBOOK_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := get("DEPTHBOOK_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := get("DEPTHBOOK_NATS_SUBJECT"); v != "" {
		c.NATS.Subject = v
	}

	// venue first so explicit base URLs below win over its defaults
	if v := get("BINANCE_VENUE"); v != "" {
		c.Binance = binance.DefaultEndpoints(v)
	}
	if v := get("BINANCE_FUTURES_WS_BASE"); v != "" {
		c.Binance.FuturesWSBase = v
	}
	if v := get("BINANCE_FUTURES_HTTP_BASE"); v != "" {
		c.Binance.FuturesHTTPBase = v
	}
	if v := get("BINANCE_SPOT_WS_BASE"); v != "" {
		c.Binance.SpotWSBase = v
	}
	if v := get("BINANCE_SPOT_HTTP_BASE"); v != "" {
		c.Binance.SpotHTTPBase = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("config: snapshot_limit must be positive, got %d", c.SnapshotLimit)
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("config: buffer_capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.Feed.MinBackoff <= 0 || c.Feed.MaxBackoff < c.Feed.MinBackoff {
		return fmt.Errorf("config: invalid feed backoff %s..%s", c.Feed.MinBackoff, c.Feed.MaxBackoff)
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return fmt.Errorf("config: nats.subject is required when nats is enabled")
	}
	return nil
}

// MarketKind returns the parsed market. Binance.US only lists spot, so the
// us venue always yields spot.
func (c Config) MarketKind() binance.Market {
	return c.Binance.EffectiveMarket(binance.ParseMarket(c.Market))
}
