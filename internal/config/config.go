// Package config loads the proxy configuration from config.json, the
// environment, and defaults, in that order of precedence (env wins).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"ccfleet/internal/orchestrator"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
	"ccfleet/internal/session"
)

type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Admin    AdminConfig         `mapstructure:"admin"`
	Storage  StorageConfig       `mapstructure:"storage"`
	Log      LogConfig           `mapstructure:"log"`
	Accounts registry.Config     `mapstructure:"accounts"`
	Sessions session.Config      `mapstructure:"sessions"`
	Proxy    proxypool.Settings  `mapstructure:"proxy"`
	Requests orchestrator.Config `mapstructure:"requests"`

	// ProxyListPath points at the newline-delimited proxy list used in
	// dynamic mode.
	ProxyListPath string `mapstructure:"proxy_list_path"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`

	// LogRetentionDays bounds how long request logs are kept. Zero disables
	// pruning.
	LogRetentionDays int `mapstructure:"log_retention_days"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads config.json (from cwd or ./config), applies CCFLEET_*
// environment overrides, and migrates legacy keys in place.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("CCFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if used := v.ConfigFileUsed(); used != "" {
		if migrated, err := migrateLegacyProxyURL(used); err != nil {
			log.Warn().Err(err).Msg("legacy config migration failed, continuing with current file")
		} else if migrated {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("re-read migrated config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 660)

	v.SetDefault("log.level", "info")

	v.SetDefault("storage.db_path", "./data/ccfleet.db")
	v.SetDefault("storage.log_retention_days", 90)

	def := registry.DefaultConfig()
	v.SetDefault("accounts.accounts_path", def.AccountsPath)
	v.SetDefault("accounts.per_account_session_cap", def.PerAccountSessionCap)
	v.SetDefault("accounts.maintenance_interval", def.MaintenanceInterval.String())

	sess := session.DefaultConfig()
	v.SetDefault("sessions.ttl", sess.TTL.String())
	v.SetDefault("sessions.sweep_interval", sess.SweepInterval.String())

	pool := proxypool.DefaultSettings()
	v.SetDefault("proxy.mode", string(pool.Mode))
	v.SetDefault("proxy.rotation_strategy", string(pool.Strategy))
	v.SetDefault("proxy.rotation_interval", pool.RotationInterval.String())
	v.SetDefault("proxy.cooldown_duration", pool.CooldownDuration.String())
	v.SetDefault("proxy.fallback_strategy", string(pool.FallbackStrategy))
	v.SetDefault("proxy_list_path", "./data/proxies.txt")

	reqs := orchestrator.DefaultConfig()
	v.SetDefault("requests.retry_attempts", reqs.RetryAttempts)
	v.SetDefault("requests.retry_interval", reqs.RetryInterval.String())
	v.SetDefault("requests.overload_retry_attempts", reqs.OverloadRetryAttempts)
	v.SetDefault("requests.overload_cooldown", reqs.OverloadCooldown.String())
	v.SetDefault("requests.max_concurrent_requests", reqs.MaxConcurrentRequests)
	v.SetDefault("requests.request_timeout", reqs.RequestTimeout.String())
	v.SetDefault("requests.probe_timeout", reqs.ProbeTimeout.String())
}

// migrateLegacyProxyURL rewrites a top-level "proxy_url" key into the nested
// proxy object. Older deployments carried a single fixed proxy this way. The
// file is rewritten once; every other key is preserved as-is.
func migrateLegacyProxyURL(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, err
	}

	legacy, ok := raw["proxy_url"].(string)
	if !ok || legacy == "" {
		return false, nil
	}
	if _, exists := raw["proxy"]; exists {
		// Both forms present: the nested object wins, the legacy key is
		// dropped.
		delete(raw, "proxy_url")
	} else {
		raw["proxy"] = map[string]any{
			"mode":      string(proxypool.ModeFixed),
			"fixed_url": legacy,
		}
		delete(raw, "proxy_url")
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, err
	}

	log.Info().Str("path", path).Msg("migrated legacy proxy_url to proxy settings")
	return true, nil
}

// LoadProxyList reads the proxy list file. A missing file is an empty list.
func LoadProxyList(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
