package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func validFiles() map[string]string {
	return map[string]string{
		"server.json": `{
			"server": {"port": 9300, "host": "127.0.0.1"},
			"proxy": {"timeout": 60000},
			"admin": {"enabled": true, "path": "/admin", "username": "admin", "password": "secret"},
			"logging": {"directory": "logs", "maxFileSize": 20, "maxFiles": 3, "enableConsole": false},
			"openai": {"enabled": true, "models": {"gpt-5-mini": "claude-3-7-sonnet-20250219"}, "defaultModel": "claude-3-5-haiku-20241022"}
		}`,
		"upstreams.json": `{
			"upstreams": [
				{"id": "up-a", "name": "primary", "url": "https://api.example.com", "key": "sk-up-a", "weight": 3},
				{"id": "up-b", "name": "backup", "url": "https://backup.example.com/v2", "key": "sk-up-b", "weight": 1,
				 "healthCheck": {"path": "/status", "timeout": 2000}}
			],
			"loadBalancer": {"strategy": "weighted_round_robin", "healthCheckEnabled": true, "failoverEnabled": true}
		}`,
		"tenants.json": `{
			"tenants": [
				{"id": "acme", "name": "Acme", "key": "tk-acme", "allowedModels": ["*sonnet*", "*haiku*"],
				 "limits": {"daily": {"maxUSD": 100}}},
				{"id": "beta", "name": "Beta", "key": "tk-beta", "enabled": false}
			]
		}`,
		"pricing.json": `{
			"modelPricing": {
				"claude-3-5-haiku-20241022": {"input": 0.0008, "output": 0.004, "cacheCreation": 0.001, "cacheRead": 0.00008},
				"*sonnet*": {"input": 0.003, "output": 0.015, "cacheCreation": 0.00375, "cacheRead": 0.0003},
				"*": {"input": 0.001, "output": 0.005, "cacheCreation": 0, "cacheRead": 0}
			}
		}`,
	}
}

func TestLoad(t *testing.T) {
	dir := writeConfigDir(t, validFiles())
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9300" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Proxy.Timeout != 60*time.Second {
		t.Errorf("proxy timeout = %v", cfg.Proxy.Timeout)
	}
	if len(cfg.Upstreams) != 2 {
		t.Fatalf("upstreams = %d, want 2", len(cfg.Upstreams))
	}
	if cfg.Upstreams[0].Weight != 3 || !cfg.Upstreams[0].Enabled {
		t.Errorf("upstream[0] = %+v", cfg.Upstreams[0])
	}
	if got := cfg.Upstreams[1].ProbePath(); got != "/status" {
		t.Errorf("probe path = %q", got)
	}
	if got := cfg.Upstreams[1].ProbeTimeout(); got != 2*time.Second {
		t.Errorf("probe timeout = %v", got)
	}
	if !cfg.Balancer.FailoverEnabled || !cfg.Balancer.HealthCheckEnabled {
		t.Errorf("balancer = %+v", cfg.Balancer)
	}

	acme, ok := cfg.TenantByKey("tk-acme")
	if !ok || acme.ID != "acme" {
		t.Fatalf("TenantByKey(tk-acme) = %+v, %v", acme, ok)
	}
	if acme.DailyLimitUSD == nil || *acme.DailyLimitUSD != 100 {
		t.Errorf("acme limit = %v", acme.DailyLimitUSD)
	}
	beta, _ := cfg.TenantByKey("tk-beta")
	if beta.Enabled {
		t.Error("beta should be disabled")
	}
	if beta.DailyLimitUSD != nil {
		t.Error("beta should have no daily limit")
	}

	// Pricing preserves document order.
	if len(cfg.Pricing) != 3 {
		t.Fatalf("pricing entries = %d, want 3", len(cfg.Pricing))
	}
	if cfg.Pricing[0].Pattern != "claude-3-5-haiku-20241022" || cfg.Pricing[2].Pattern != "*" {
		t.Errorf("pricing order = %q..%q", cfg.Pricing[0].Pattern, cfg.Pricing[2].Pattern)
	}
}

func TestLoadDefaults(t *testing.T) {
	files := validFiles()
	files["server.json"] = `{}`
	dir := writeConfigDir(t, files)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Proxy.Timeout != 120*time.Second {
		t.Errorf("default proxy timeout = %v", cfg.Proxy.Timeout)
	}
	if cfg.Admin.Path != "/admin" || cfg.Admin.Enabled {
		t.Errorf("default admin = %+v", cfg.Admin)
	}
	if !cfg.Logging.EnableConsole {
		t.Error("default console logging should be on")
	}
}

func TestLoadPortEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9999")
	dir := writeConfigDir(t, validFiles())
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999 (PORT override)", cfg.Server.Port)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"no upstreams", func(f map[string]string) {
			f["upstreams.json"] = `{"upstreams": [], "loadBalancer": {}}`
		}},
		{"duplicate tenant keys", func(f map[string]string) {
			f["tenants.json"] = `{"tenants": [
				{"id": "a", "name": "A", "key": "same"},
				{"id": "b", "name": "B", "key": "same"}
			]}`
		}},
		{"invalid upstream url", func(f map[string]string) {
			f["upstreams.json"] = `{"upstreams": [{"id": "x", "url": "not a url"}], "loadBalancer": {}}`
		}},
		{"negative weight", func(f map[string]string) {
			f["upstreams.json"] = `{"upstreams": [{"id": "x", "url": "https://x.example.com", "weight": -1}], "loadBalancer": {}}`
		}},
		{"negative daily limit", func(f map[string]string) {
			f["tenants.json"] = `{"tenants": [{"id": "a", "name": "A", "key": "k", "limits": {"daily": {"maxUSD": -5}}}]}`
		}},
		{"admin without credentials", func(f map[string]string) {
			f["server.json"] = `{"admin": {"enabled": true}}`
		}},
		{"bad pricing json", func(f map[string]string) {
			f["pricing.json"] = `{"modelPricing": {`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := validFiles()
			tt.mutate(files)
			dir := writeConfigDir(t, files)
			if _, err := Load(dir); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestStoreReload(t *testing.T) {
	files := validFiles()
	dir := writeConfigDir(t, files)
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := store.Get()

	// Broken reload keeps the old snapshot.
	if err := os.WriteFile(filepath.Join(dir, "tenants.json"), []byte(`{bad`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reload(); err == nil {
		t.Error("Reload of broken config succeeded")
	}
	if store.Get() != before {
		t.Error("broken reload replaced the snapshot")
	}

	// Valid reload swaps.
	if err := os.WriteFile(filepath.Join(dir, "tenants.json"),
		[]byte(`{"tenants": [{"id": "only", "name": "Only", "key": "tk-only"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(cfg.Tenants) != 1 || store.Get() != cfg {
		t.Errorf("reload did not swap snapshot: %d tenants", len(cfg.Tenants))
	}
}
