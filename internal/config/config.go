// Package config loads the overlord daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalid is returned when the configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration document.
type Config struct {
	Listen   string         `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	PiHole   PiHoleConfig   `yaml:"pihole"`
	Ubiquiti UbiquitiConfig `yaml:"ubiquiti"`
	Cache    CacheConfig    `yaml:"cache"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
	Journal  JournalConfig  `yaml:"journal"`

	Targets []TargetConfig `yaml:"targets"`

	// Shorthand sections, expanded into Targets by AllTargets.
	BlockDomains    map[string][]string `yaml:"block_domains"`
	AllowDomains    map[string][]string `yaml:"allow_domains"`
	UbiquitiRules   []string            `yaml:"ubiquiti_rules"`
	UbiquitiDevices map[string][]string `yaml:"ubiquiti_devices"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// APIConfig controls inbound authentication.
// With both fields empty the control routes are open.
type APIConfig struct {
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the shared bearer token
	JWTSecret string `yaml:"jwt_secret"`
}

// PiHoleConfig describes the DNS controllers.
type PiHoleConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Controllers []string `yaml:"controllers"`
	Password    string   `yaml:"password"`
	ProbeDomain string   `yaml:"probe_domain"`
	DNSPort     int      `yaml:"dns_port"`
}

// UbiquitiConfig describes the network controller.
type UbiquitiConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Controller  string `yaml:"controller"`
	Site        string `yaml:"site"`
	APIKey      string `yaml:"api_key"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	InsecureTLS bool   `yaml:"insecure_tls"`
}

// CacheConfig holds state snapshot lifetimes.
type CacheConfig struct {
	RuleTTL time.Duration `yaml:"rule_ttl"`
}

// TimeoutConfig bounds remote calls and shutdown.
type TimeoutConfig struct {
	Call     time.Duration `yaml:"call"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// RetryConfig bounds backoff for transient backend failures.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// JournalConfig selects the operation journal store.
// An empty path keeps the journal in memory.
type JournalConfig struct {
	Path  string `yaml:"path"`
	Limit int    `yaml:"limit"`
}

// TargetConfig is a named logical target.
type TargetConfig struct {
	Name string   `yaml:"name"`
	Kind string   `yaml:"kind"` // domain-group, firewall-rule, device
	List string   `yaml:"list,omitempty"`
	IDs  []string `yaml:"ids"`
}

// Default returns a configuration with every tunable populated.
func Default() *Config {
	return &Config{
		Listen: ":19000",
		Log: LogConfig{
			Level: "info",
		},
		PiHole: PiHoleConfig{
			ProbeDomain: "pi.hole",
			DNSPort:     53,
		},
		Ubiquiti: UbiquitiConfig{
			Site: "default",
		},
		Cache: CacheConfig{
			RuleTTL: 60 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Call:     10 * time.Second,
			Shutdown: 10 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Journal: JournalConfig{
			Limit: 10000,
		},
	}
}

// Validate checks subsystem settings. Targets are validated by the registry.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if c.PiHole.Enabled {
		if len(c.PiHole.Controllers) == 0 {
			return fmt.Errorf("%w: pihole enabled without controllers", ErrInvalid)
		}
		for _, raw := range c.PiHole.Controllers {
			if err := validateURL(raw); err != nil {
				return fmt.Errorf("%w: pihole controller %q: %v", ErrInvalid, raw, err)
			}
		}
		if c.PiHole.Password == "" {
			return fmt.Errorf("%w: pihole password is empty", ErrInvalid)
		}
	}
	if c.Ubiquiti.Enabled {
		if err := validateURL(c.Ubiquiti.Controller); err != nil {
			return fmt.Errorf("%w: ubiquiti controller %q: %v", ErrInvalid, c.Ubiquiti.Controller, err)
		}
		if c.Ubiquiti.APIKey == "" && (c.Ubiquiti.Username == "" || c.Ubiquiti.Password == "") {
			return fmt.Errorf("%w: ubiquiti needs api_key or username and password", ErrInvalid)
		}
	}
	if c.Cache.RuleTTL <= 0 {
		return fmt.Errorf("%w: cache.rule_ttl must be positive", ErrInvalid)
	}
	if c.Timeouts.Call <= 0 {
		return fmt.Errorf("%w: timeouts.call must be positive", ErrInvalid)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("%w: retry.attempts must be at least 1", ErrInvalid)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
