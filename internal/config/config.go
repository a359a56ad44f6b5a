// Package config loads CrowdSieve's single YAML configuration file,
// applies recursive ${VAR} / ${VAR:-default} environment interpolation,
// merges a sibling filters.d/ directory of rule files, and validates the
// result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration document.
type Config struct {
	Proxy            ProxyConfig            `yaml:"proxy"`
	LAPIServers      []LAPIServer           `yaml:"lapi_servers"`
	Storage          StorageConfig          `yaml:"storage"`
	Logging          LoggingConfig          `yaml:"logging"`
	Filters          FiltersConfig          `yaml:"filters"`
	ClientValidation ClientValidationConfig `yaml:"client_validation"`
	Analyzers        AnalyzersConfig        `yaml:"analyzers"`

	// path is the file this Config was loaded from, used to resolve the
	// sibling filters.d/ directory. Not part of the YAML document.
	path             string
	filtersDirErrors []error
}

type ProxyConfig struct {
	ListenPort      int      `yaml:"listen_port"`
	CAPIURL         string   `yaml:"capi_url"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	ForwardEnabled  bool     `yaml:"forward_enabled"`
	MetricsPort     int      `yaml:"metrics_port"`
	Production      bool     `yaml:"production"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	DashboardAPIKey string   `yaml:"dashboard_api_key"`
}

type LAPIServer struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	MachineID string `yaml:"machine_id"`
	Password  string `yaml:"password"`
}

type StorageConfig struct {
	Type          string `yaml:"type"` // embedded|relational
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FiltersConfig struct {
	Mode  string        `yaml:"mode"` // block|allow
	Rules []filter.Rule `yaml:"rules"`
}

type ClientValidationConfig struct {
	Enabled             bool `yaml:"enabled"`
	CacheTTLSeconds     int  `yaml:"cache_ttl_seconds"`
	CacheTTLErrSeconds  int  `yaml:"cache_ttl_error_seconds"`
	ValidationTimeoutMS int  `yaml:"validation_timeout_ms"`
	MaxMemoryEntries    int  `yaml:"max_memory_entries"`
	FailClosed          bool `yaml:"fail_closed"`
}

type SourceConfig struct {
	Type          string `yaml:"type"` // loki
	GrafanaURL    string `yaml:"grafana_url"`
	Token         string `yaml:"token"`
	DatasourceUID string `yaml:"datasource_uid"`
}

type AnalyzersConfig struct {
	Enabled         bool                    `yaml:"enabled"`
	ConfigDir       string                  `yaml:"config_dir"`
	DefaultInterval string                  `yaml:"default_interval"`
	DefaultLookback string                  `yaml:"default_lookback"`
	DefaultTargets  []string                `yaml:"default_targets"`
	Whitelist       []string                `yaml:"whitelist"`
	Sources         map[string]SourceConfig `yaml:"sources"`
}

var durationRe = regexp.MustCompile(`^\d+[smhd]$`)

// ParseDuration parses `^\d+[smhd]$` duration strings (e.g. "5m", "2h", "1d").
func ParseDuration(s string) (time.Duration, error) {
	if !durationRe.MatchString(s) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit := s[len(s)-1]
	n := s[:len(s)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	}
	var val int
	if _, err := fmt.Sscanf(n, "%d", &val); err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(val) * mult, nil
}

// Load reads path, interpolates environment variables, merges sibling
// filters.d/ rule files, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidConfig, "read config file", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, apperr.Wrap(apperr.InvalidConfig, "parse config yaml", err)
	}
	interpolateNode(&root)

	cfg := defaultConfig()
	if err := root.Decode(cfg); err != nil {
		return nil, apperr.Wrap(apperr.InvalidConfig, "decode config", err)
	}
	cfg.path = path

	// Per-file filters.d/ parse failures are collected, never fatal to the rest.
	cfg.filtersDirErrors = mergeFiltersDir(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenPort:     8080,
			CAPIURL:        "https://api.crowdsec.net",
			TimeoutMS:      30000,
			ForwardEnabled: true,
			MetricsPort:    9090,
		},
		Storage: StorageConfig{
			Type:          "embedded",
			Path:          "./data/crowdsieve.db",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Filters: FiltersConfig{
			Mode: "block",
		},
		ClientValidation: ClientValidationConfig{
			CacheTTLSeconds:     300,
			CacheTTLErrSeconds:  10,
			ValidationTimeoutMS: 5000,
			MaxMemoryEntries:    1000,
		},
		Analyzers: AnalyzersConfig{
			DefaultInterval: "5m",
			DefaultLookback: "5m",
			Sources:         map[string]SourceConfig{},
		},
	}
}

// interpolateNode walks a yaml.Node tree, replacing ${VAR} / ${VAR:-default}
// occurrences in every scalar string value.
func interpolateNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Value = interpolateString(n.Value)
		return
	}
	for _, c := range n.Content {
		interpolateNode(c)
	}
}

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func interpolateString(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envRe.FindStringSubmatch(match)
		name, def := parts[1], parts[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// mergeFiltersDir loads every *.yaml/*.yml file in the filters.d/ directory
// sibling to cfg.path, sorted lexicographically, skipping dotfiles and
// underscore-prefixed files, appending parsed rules to cfg.Filters.Rules.
// A parse failure for one file is collected and does not abort the rest.
func mergeFiltersDir(cfg *Config) []error {
	dir := filepath.Join(filepath.Dir(cfg.path), "filters.d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // absent filters.d/ is not an error
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		full := filepath.Join(dir, name)
		raw, err := os.ReadFile(full)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", full, err))
			continue
		}
		var doc struct {
			Rules []filter.Rule `yaml:"rules"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", full, err))
			continue
		}
		cfg.Filters.Rules = append(cfg.Filters.Rules, doc.Rules...)
	}
	return errs
}

func validate(cfg *Config) error {
	var problems []string

	if cfg.Proxy.ListenPort <= 0 || cfg.Proxy.ListenPort > 65535 {
		problems = append(problems, "proxy.listen_port must be 1-65535")
	}
	if cfg.Proxy.CAPIURL == "" {
		problems = append(problems, "proxy.capi_url is required")
	}
	if cfg.Storage.Type != "embedded" && cfg.Storage.Type != "relational" {
		problems = append(problems, "storage.type must be embedded or relational")
	}
	if cfg.Storage.Type == "relational" && cfg.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required for relational storage")
	}
	if cfg.Filters.Mode != "block" && cfg.Filters.Mode != "allow" {
		problems = append(problems, "filters.mode must be block or allow")
	}
	for _, origin := range cfg.Proxy.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			problems = append(problems, fmt.Sprintf("proxy.allowed_origins entry %q must be an http(s) URL", origin))
		}
	}
	if cfg.Proxy.Production && cfg.Proxy.DashboardAPIKey == "" {
		problems = append(problems, "proxy.dashboard_api_key is required in production")
	}
	for _, s := range cfg.LAPIServers {
		if s.Name == "" || s.URL == "" {
			problems = append(problems, "lapi_servers entries require name and url")
		}
	}

	if len(problems) > 0 {
		return apperr.New(apperr.InvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// FiltersDirErrors returns non-fatal filters.d/ parse errors collected
// during Load, if any were recorded on cfg.
func (c *Config) FiltersDirErrors() []error {
	return c.filtersDirErrors
}
