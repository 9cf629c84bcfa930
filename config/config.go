// Package config loads the component manager configuration from layered JSON
// files merged over defaults, with environment overrides applied last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Config represents the complete application configuration
type Config struct {
	Platform     PlatformConfig     `json:"platform"`
	NATS         NATSConfig         `json:"nats"`
	Manager      ManagerConfig      `json:"manager"`
	Synchronizer SynchronizerConfig `json:"synchronizer"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// PlatformConfig defines the identity of this instance
type PlatformConfig struct {
	Org string `json:"org"`
	// ID names this manager instance. It is the default target namespace of
	// every request and the origin tag of its advertisements.
	ID string `json:"id"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// ManagerConfig configures the registrar, catalog and server side
type ManagerConfig struct {
	CallTimeout   time.Duration `json:"call_timeout"`
	CatalogPaths  []string      `json:"catalog_paths,omitempty"`
	WatchCatalog  bool          `json:"watch_catalog"`
	CatalogBucket string        `json:"catalog_bucket,omitempty"`
	StatusWorkers int           `json:"status_workers"`
	// Launch maps a component type to the command line started for it.
	Launch map[string][]string `json:"launch,omitempty"`
}

// SynchronizerConfig configures cross-instance catalog advertisement
type SynchronizerConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Subject  string        `json:"subject"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the config and normalizes the org name
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.New("platform.org is required")
	}
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if !isValidNATSSubjectPart(c.Platform.Org) {
		return fmt.Errorf("platform.org '%s' is not valid for NATS subjects", c.Platform.Org)
	}

	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}
	if !isValidNATSSubjectPart(c.Platform.ID) || strings.Contains(c.Platform.ID, ".") {
		return fmt.Errorf("platform.id '%s' must be a single NATS subject token", c.Platform.ID)
	}

	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls requires at least one server")
	}
	if c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 {
		return errors.New("nats.ping_interval and nats.drain_timeout must not be negative")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return errors.New("nats.tls.cert_file and nats.tls.key_file must be set together")
	}

	if c.Manager.CallTimeout <= 0 {
		return errors.New("manager.call_timeout must be positive")
	}
	if c.Manager.StatusWorkers < 1 {
		return errors.New("manager.status_workers must be at least 1")
	}
	for typ, argv := range c.Manager.Launch {
		if len(argv) == 0 || argv[0] == "" {
			return fmt.Errorf("manager.launch[%s] has no command", typ)
		}
	}

	if c.Synchronizer.Enabled {
		if c.Synchronizer.Interval <= 0 {
			return errors.New("synchronizer.interval must be positive")
		}
		if c.Synchronizer.Subject == "" {
			return errors.New("synchronizer.subject is required")
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// isValidNATSSubjectPart allows letters, digits, dots, dashes and underscores.
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String renders the config as indented JSON with secrets masked
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "***"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: "SEMROBOTICS"}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Platform: PlatformConfig{Org: "semrobotics"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:  30 * time.Second,
			DrainTimeout:  30 * time.Second,
		},
		Manager: ManagerConfig{
			CallTimeout:   10 * time.Second,
			WatchCatalog:  true,
			StatusWorkers: 4,
		},
		Synchronizer: SynchronizerConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
			Subject:  "semrobotics.sync",
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationFields lists the "section.field" paths holding durations.
var durationFields = [][2]string{
	{"nats", "reconnect_wait"},
	{"nats", "ping_interval"},
	{"nats", "drain_timeout"},
	{"manager", "call_timeout"},
	{"synchronizer", "interval"},
}

// parseDurations rewrites duration strings ("10s") to nanoseconds in place.
func parseDurations(raw map[string]any) error {
	for _, field := range durationFields {
		section, ok := raw[field[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[field[1]].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", field[0], field[1], err)
		}
		section[field[1]] = d.Nanoseconds()
	}
	return nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) string {
		return os.Getenv(l.envPrefix + "_" + name)
	}

	if val := env("PLATFORM_ORG"); val != "" {
		cfg.Platform.Org = val
	}
	if val := env("PLATFORM_ID"); val != "" {
		cfg.Platform.ID = val
	}
	if val := env("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := env("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := env("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := env("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := env("CALL_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_CALL_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.Manager.CallTimeout = d
	}
	if val := env("CATALOG_PATHS"); val != "" {
		cfg.Manager.CatalogPaths = strings.Split(val, ",")
	}
	if val := env("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return nil
}
