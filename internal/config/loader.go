package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SearchPaths are tried in order when Load is called with an empty path.
var SearchPaths = []string{
	"/etc/overlord/config.yaml",
	"~/.config/overlord/config.yaml",
	"config.yaml",
}

// Load reads the configuration file at path, or the first existing file in
// SearchPaths when path is empty. A .env file next to the config is loaded
// into the environment first without overriding variables already set.
func Load(path string) (*Config, error) {
	if path == "" {
		path = findConfig()
		if path == "" {
			return nil, fmt.Errorf("%w: no config file found in %v", ErrInvalid, SearchPaths)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML over Default and validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	content := expandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AllTargets returns the explicit targets followed by those declared in the
// shorthand sections, in a stable order.
func (c *Config) AllTargets() []TargetConfig {
	out := make([]TargetConfig, 0, len(c.Targets))
	out = append(out, c.Targets...)

	for _, name := range sortedKeys(c.BlockDomains) {
		out = append(out, TargetConfig{Name: name, Kind: "domain-group", List: "deny", IDs: c.BlockDomains[name]})
	}
	for _, name := range sortedKeys(c.AllowDomains) {
		out = append(out, TargetConfig{Name: name, Kind: "domain-group", List: "allow", IDs: c.AllowDomains[name]})
	}
	for _, name := range c.UbiquitiRules {
		out = append(out, TargetConfig{Name: name, Kind: "firewall-rule", IDs: []string{name}})
	}
	for _, name := range sortedKeys(c.UbiquitiDevices) {
		out = append(out, TargetConfig{Name: name, Kind: "device", IDs: c.UbiquitiDevices[name]})
	}
	return out
}

// expandEnv substitutes ${VAR} references. Unset variables are left as is.
func expandEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func findConfig() string {
	home, _ := os.UserHomeDir()
	for _, p := range SearchPaths {
		if len(p) > 1 && p[:2] == "~/" {
			if home == "" {
				continue
			}
			p = filepath.Join(home, p[2:])
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
