package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ccfleet/internal/proxypool"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Proxy.Mode != proxypool.ModeDisabled {
		t.Errorf("default proxy mode = %s", cfg.Proxy.Mode)
	}
	if cfg.Requests.RetryAttempts != 3 {
		t.Errorf("default retry attempts = %d", cfg.Requests.RetryAttempts)
	}
	if cfg.Accounts.PerAccountSessionCap != 3 {
		t.Errorf("default session cap = %d", cfg.Accounts.PerAccountSessionCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"server": {"port": 9090},
		"proxy": {"mode": "dynamic", "rotation_strategy": "per_account"},
		"requests": {"retry_attempts": 7}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Proxy.Mode != proxypool.ModeDynamic || cfg.Proxy.Strategy != proxypool.StrategyPerAccount {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	if cfg.Requests.RetryAttempts != 7 {
		t.Errorf("retry attempts = %d", cfg.Requests.RetryAttempts)
	}
}

func TestLegacyProxyURLMigration(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090},
		"proxy_url": "http://10.0.0.1:8080"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Proxy.Mode != proxypool.ModeFixed || cfg.Proxy.FixedURL != "http://10.0.0.1:8080" {
		t.Errorf("migrated proxy = %+v", cfg.Proxy)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("unrelated key lost in migration: port = %d", cfg.Server.Port)
	}

	// The file itself is rewritten without the legacy key.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["proxy_url"]; ok {
		t.Error("legacy proxy_url still present after migration")
	}
	if _, ok := raw["proxy"]; !ok {
		t.Error("nested proxy object missing after migration")
	}
}

func TestLegacyProxyURLIgnoredWhenNestedPresent(t *testing.T) {
	path := writeConfig(t, `{
		"proxy_url": "http://legacy:1",
		"proxy": {"mode": "disabled"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Mode != proxypool.ModeDisabled || cfg.Proxy.FixedURL != "" {
		t.Errorf("nested object should win: %+v", cfg.Proxy)
	}
}

func TestLoadProxyListMissingFile(t *testing.T) {
	content, err := LoadProxyList(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("missing list file should not error: %v", err)
	}
	if content != "" {
		t.Errorf("content = %q", content)
	}
}
