package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ip2asn/internal/loader"
)

type Config struct {
	Table struct {
		Path            string        `json:"path"`
		Format          string        `json:"format"`
		MalformedPolicy string        `json:"malformed_policy"`
		ReloadDebounce  time.Duration `json:"reload_debounce"`
		Watch           bool          `json:"watch"`
	} `json:"table"`

	Server struct {
		ListenAddr     string `json:"listen_addr"`
		MetricsAddr    string `json:"metrics_addr"`
		MaxConnections int    `json:"max_connections"`
	} `json:"server"`

	Feed struct {
		URL            string        `json:"url"`
		UpdateInterval time.Duration `json:"update_interval"`
		UserAgent      string        `json:"user_agent"`
	} `json:"feed"`

	RedisURL       string `json:"redis_url"`
	DatabaseURL    string `json:"database_url"`
	GeoLiteASNPath string `json:"geolite_asn_path"`

	// JWTSecret signs admin tokens. Empty disables the admin endpoints.
	JWTSecret string `json:"-"`

	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

const (
	DefaultTablePath      = "table.jsonl"
	DefaultListenAddr     = ":8080"
	DefaultReloadDebounce = 500 * time.Millisecond
	DefaultFeedUserAgent  = "ip2asn-feed-updater/1.0"
	DefaultMaxConnections = 4096
)

var (
	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	configValue.Store(Default())
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	var cfg Config
	cfg.Table.Path = DefaultTablePath
	cfg.Table.Format = string(loader.FormatAuto)
	cfg.Table.MalformedPolicy = string(loader.PolicyAbort)
	cfg.Table.ReloadDebounce = DefaultReloadDebounce
	cfg.Table.Watch = true
	cfg.Server.ListenAddr = DefaultListenAddr
	cfg.Server.MaxConnections = DefaultMaxConnections
	cfg.Feed.UpdateInterval = defaultFeedUpdateInterval
	cfg.Feed.UserAgent = DefaultFeedUserAgent
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Table.Path) == "" {
		errs = append(errs, errors.New("table path is required"))
	}
	if _, err := loader.ParseFormat(c.Table.Format); err != nil {
		errs = append(errs, err)
	}
	if _, err := loader.ParsePolicy(c.Table.MalformedPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Table.ReloadDebounce < 0 {
		errs = append(errs, fmt.Errorf("reload debounce must not be negative: %s", c.Table.ReloadDebounce))
	}

	if err := validateListenAddr("listen", c.Server.ListenAddr, true); err != nil {
		errs = append(errs, err)
	}
	if err := validateListenAddr("metrics", c.Server.MetricsAddr, false); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max connections must not be negative: %d", c.Server.MaxConnections))
	}

	if c.Feed.URL != "" {
		u, err := url.Parse(c.Feed.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("feed url must be an http(s) url: %q", c.Feed.URL))
		}
		if c.Feed.UpdateInterval < minFeedUpdateInterval {
			errs = append(errs, fmt.Errorf("feed update interval must be at least %s", minFeedUpdateInterval))
		}
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validateListenAddr(name, addr string, required bool) error {
	if addr == "" {
		if required {
			return fmt.Errorf("%s address is required", name)
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s address %q: %w", name, addr, err)
	}
	return nil
}

// SetConfig validates and installs newConfig.
func SetConfig(newConfig Config) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	setFeedUpdateInterval(newConfig.Feed.UpdateInterval)

	log.Debug("Configuration applied", "table", newConfig.Table.Path, "listen", newConfig.Server.ListenAddr)
	return nil
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
