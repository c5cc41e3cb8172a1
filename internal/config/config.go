// Package config loads and validates the four JSON configuration files
// (server.json, upstreams.json, tenants.json, pricing.json) and exposes
// them as an immutable snapshot that is swapped atomically on reload.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	gate "github.com/ccgate/ccgate/internal"
)

// ServerSettings holds HTTP listener settings.
type ServerSettings struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// Addr returns the listen address in host:port form.
func (s ServerSettings) Addr() string { return s.Host + ":" + strconv.Itoa(s.Port) }

// ProxySettings holds upstream forwarding settings.
type ProxySettings struct {
	Timeout time.Duration // upstream request timeout
}

// AdminSettings holds the admin usage API settings.
type AdminSettings struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// LoggingSettings holds log file rotation settings.
type LoggingSettings struct {
	Directory     string `json:"directory"`
	MaxFileSize   int    `json:"maxFileSize"` // megabytes per file
	MaxFiles      int    `json:"maxFiles"`
	EnableConsole bool   `json:"enableConsole"`
}

// OpenAISettings holds the OpenAI compatibility layer settings.
type OpenAISettings struct {
	Enabled      bool              `json:"enabled"`
	Models       map[string]string `json:"models"` // openai name -> claude name
	DefaultModel string            `json:"defaultModel"`
}

// TelemetrySettings holds optional observability settings.
type TelemetrySettings struct {
	Tracing struct {
		Enabled    bool    `json:"enabled"`
		Endpoint   string  `json:"endpoint"`   // OTLP gRPC endpoint
		SampleRate float64 `json:"sampleRate"` // 0.0 to 1.0
	} `json:"tracing"`
}

// BalancerSettings holds load balancer behavior settings.
type BalancerSettings struct {
	Strategy           string `json:"strategy"`
	HealthCheckEnabled bool   `json:"healthCheckEnabled"`
	FailoverEnabled    bool   `json:"failoverEnabled"`
}

// Config is one immutable snapshot of the full configuration.
type Config struct {
	Server    ServerSettings
	Proxy     ProxySettings
	Admin     AdminSettings
	Logging   LoggingSettings
	OpenAI    OpenAISettings
	Telemetry TelemetrySettings
	Balancer  BalancerSettings

	Upstreams []gate.Upstream
	Tenants   []gate.Tenant
	Pricing   []gate.PricingEntry

	tenantByKey map[string]*gate.Tenant
}

// TenantByKey resolves a tenant by its secret key.
func (c *Config) TenantByKey(key string) (*gate.Tenant, bool) {
	t, ok := c.tenantByKey[key]
	return t, ok
}

// TenantByID resolves a tenant by id.
func (c *Config) TenantByID(id string) (*gate.Tenant, bool) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], true
		}
	}
	return nil, false
}

// --- Wire formats ---

type serverFile struct {
	Server struct {
		Port int    `json:"port"`
		Host string `json:"host"`
	} `json:"server"`
	Proxy struct {
		TimeoutMs int `json:"timeout"`
	} `json:"proxy"`
	Admin struct {
		Enabled  bool   `json:"enabled"`
		Path     string `json:"path"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"admin"`
	Logging struct {
		Directory     string `json:"directory"`
		MaxFileSize   int    `json:"maxFileSize"`
		MaxFiles      int    `json:"maxFiles"`
		EnableConsole *bool  `json:"enableConsole"`
	} `json:"logging"`
	OpenAI struct {
		Enabled      bool              `json:"enabled"`
		Models       map[string]string `json:"models"`
		DefaultModel string            `json:"defaultModel"`
	} `json:"openai"`
	Telemetry TelemetrySettings `json:"telemetry"`
}

type upstreamsFile struct {
	Upstreams []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		URL         string `json:"url"`
		Key         string `json:"key"`
		Weight      *int   `json:"weight"`
		Enabled     *bool  `json:"enabled"`
		HealthCheck *struct {
			Path      string `json:"path"`
			TimeoutMs int    `json:"timeout"`
		} `json:"healthCheck"`
	} `json:"upstreams"`
	LoadBalancer BalancerSettings `json:"loadBalancer"`
}

type tenantsFile struct {
	Tenants []struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		Key           string   `json:"key"`
		Enabled       *bool    `json:"enabled"`
		AllowedModels []string `json:"allowedModels"`
		Limits        *struct {
			Daily *struct {
				MaxUSD *float64 `json:"maxUSD"`
			} `json:"daily"`
		} `json:"limits"`
	} `json:"tenants"`
}

// Load reads the four config files from dir, applies defaults, and validates.
// The PORT environment variable overrides server.port when set.
func Load(dir string) (*Config, error) {
	cfg := &Config{
		Server:  ServerSettings{Port: 8080},
		Proxy:   ProxySettings{Timeout: 120 * time.Second},
		Admin:   AdminSettings{Path: "/admin"},
		Logging: LoggingSettings{Directory: "logs", MaxFileSize: 10, MaxFiles: 5, EnableConsole: true},
	}

	if err := loadServer(filepath.Join(dir, "server.json"), cfg); err != nil {
		return nil, err
	}
	if err := loadUpstreams(filepath.Join(dir, "upstreams.json"), cfg); err != nil {
		return nil, err
	}
	if err := loadTenants(filepath.Join(dir, "tenants.json"), cfg); err != nil {
		return nil, err
	}
	if err := loadPricing(filepath.Join(dir, "pricing.json"), cfg); err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	cfg.tenantByKey = make(map[string]*gate.Tenant, len(cfg.Tenants))
	for i := range cfg.Tenants {
		cfg.tenantByKey[cfg.Tenants[i].Key] = &cfg.Tenants[i]
	}
	return cfg, nil
}

func loadServer(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
	}
	var f serverFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse server.json: %w", err)
	}
	if f.Server.Port != 0 {
		cfg.Server.Port = f.Server.Port
	}
	cfg.Server.Host = f.Server.Host
	if f.Proxy.TimeoutMs > 0 {
		cfg.Proxy.Timeout = time.Duration(f.Proxy.TimeoutMs) * time.Millisecond
	}
	cfg.Admin.Enabled = f.Admin.Enabled
	if f.Admin.Path != "" {
		cfg.Admin.Path = f.Admin.Path
	}
	cfg.Admin.Username = f.Admin.Username
	cfg.Admin.Password = f.Admin.Password
	if f.Logging.Directory != "" {
		cfg.Logging.Directory = f.Logging.Directory
	}
	if f.Logging.MaxFileSize > 0 {
		cfg.Logging.MaxFileSize = f.Logging.MaxFileSize
	}
	if f.Logging.MaxFiles > 0 {
		cfg.Logging.MaxFiles = f.Logging.MaxFiles
	}
	if f.Logging.EnableConsole != nil {
		cfg.Logging.EnableConsole = *f.Logging.EnableConsole
	}
	cfg.OpenAI = OpenAISettings(f.OpenAI)
	cfg.Telemetry = f.Telemetry
	return nil
}

func loadUpstreams(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
	}
	var f upstreamsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse upstreams.json: %w", err)
	}
	cfg.Balancer = f.LoadBalancer
	if cfg.Balancer.Strategy == "" {
		cfg.Balancer.Strategy = "weighted_round_robin"
	}
	for _, u := range f.Upstreams {
		up := gate.Upstream{
			ID:      u.ID,
			Name:    u.Name,
			URL:     u.URL,
			Key:     u.Key,
			Weight:  gate.DefaultWeight,
			Enabled: u.Enabled == nil || *u.Enabled,
		}
		if u.Weight != nil {
			up.Weight = *u.Weight
		}
		if u.HealthCheck != nil {
			up.HealthCheck = &gate.HealthCheck{
				Path:    u.HealthCheck.Path,
				Timeout: time.Duration(u.HealthCheck.TimeoutMs) * time.Millisecond,
			}
		}
		cfg.Upstreams = append(cfg.Upstreams, up)
	}
	return nil
}

func loadTenants(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
	}
	var f tenantsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse tenants.json: %w", err)
	}
	for _, t := range f.Tenants {
		tenant := gate.Tenant{
			ID:            t.ID,
			Name:          t.Name,
			Key:           t.Key,
			Enabled:       t.Enabled == nil || *t.Enabled,
			AllowedModels: t.AllowedModels,
		}
		if t.Limits != nil && t.Limits.Daily != nil {
			tenant.DailyLimitUSD = t.Limits.Daily.MaxUSD
		}
		cfg.Tenants = append(cfg.Tenants, tenant)
	}
	return nil
}

// loadPricing walks pricing.json with gjson to preserve the document order
// of modelPricing keys; wildcard lookup is first-match in insertion order.
func loadPricing(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("config: parse pricing.json: invalid JSON")
	}
	var parseErr error
	gjson.GetBytes(data, "modelPricing").ForEach(func(key, value gjson.Result) bool {
		var rate gate.PricingRate
		if err := json.Unmarshal([]byte(value.Raw), &rate); err != nil {
			parseErr = fmt.Errorf("config: pricing entry %q: %w", key.String(), err)
			return false
		}
		cfg.Pricing = append(cfg.Pricing, gate.PricingEntry{Pattern: key.String(), Rate: rate})
		return true
	})
	return parseErr
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", cfg.Server.Port)
	}
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("config: at least one upstream is required")
	}
	seenUp := make(map[string]struct{}, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		if u.ID == "" {
			return fmt.Errorf("config: upstream %q missing id", u.Name)
		}
		if _, dup := seenUp[u.ID]; dup {
			return fmt.Errorf("config: duplicate upstream id %q", u.ID)
		}
		seenUp[u.ID] = struct{}{}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: upstream %q has invalid url %q", u.ID, u.URL)
		}
		if u.Weight < 0 {
			return fmt.Errorf("config: upstream %q has negative weight", u.ID)
		}
	}
	seenKey := make(map[string]string, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		if t.ID == "" {
			return fmt.Errorf("config: tenant %q missing id", t.Name)
		}
		if t.Key == "" {
			return fmt.Errorf("config: tenant %q missing key", t.ID)
		}
		if other, dup := seenKey[t.Key]; dup {
			return fmt.Errorf("config: tenants %q and %q share a key", other, t.ID)
		}
		seenKey[t.Key] = t.ID
		if t.DailyLimitUSD != nil && *t.DailyLimitUSD < 0 {
			return fmt.Errorf("config: tenant %q has negative daily limit", t.ID)
		}
	}
	if cfg.Admin.Enabled && (cfg.Admin.Username == "" || cfg.Admin.Password == "") {
		return fmt.Errorf("config: admin enabled without username/password")
	}
	if !strings.HasPrefix(cfg.Admin.Path, "/") {
		return fmt.Errorf("config: admin.path %q must start with /", cfg.Admin.Path)
	}
	return nil
}

// --- Store ---

// Store holds the current config snapshot and reloads it from disk.
type Store struct {
	dir string
	ptr atomic.Pointer[Config]
}

// Open loads the config from dir and returns a Store wrapping it.
func Open(dir string) (*Store, error) {
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	s.ptr.Store(cfg)
	return s, nil
}

// Get returns the current snapshot. Callers must not mutate it.
func (s *Store) Get() *Config { return s.ptr.Load() }

// Reload re-reads the config directory and swaps the snapshot on success.
// On failure the previous snapshot stays in place.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.dir)
	if err != nil {
		return nil, err
	}
	s.ptr.Store(cfg)
	return cfg, nil
}

// Dir returns the config directory path.
func (s *Store) Dir() string { return s.dir }
