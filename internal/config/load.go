package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// Load reads path (when non-empty) over the defaults and then applies
// BRIDGEUI_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// ApplyEnv overlays BRIDGEUI_* variables. Unset variables leave fields
// untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Listen = strings.TrimSpace(c.Listen)
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix != "" && !strings.HasPrefix(c.Prefix, "/") {
		c.Prefix = "/" + c.Prefix
	}
	if len(c.Prefix) > 1 {
		c.Prefix = strings.TrimRight(c.Prefix, "/")
	}
	if c.Prefix == "/" {
		c.Prefix = ""
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.Output = strings.ToLower(strings.TrimSpace(c.Observability.Log.Output))
	c.Observability.AccessLog.Output = strings.ToLower(strings.TrimSpace(c.Observability.AccessLog.Output))
	c.Observability.Tracing.Compression = strings.ToLower(strings.TrimSpace(c.Observability.Tracing.Compression))
	for i := range c.Bridges {
		b := &c.Bridges[i]
		b.Name = strings.TrimSpace(b.Name)
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Kind == "" {
			if strings.TrimSpace(b.URL) != "" {
				b.Kind = BridgeRemote
			} else {
				b.Kind = BridgeLocal
			}
		}
	}
	c.Auth.Tokens = compactStrings(c.Auth.Tokens)
	c.Auth.TaskTokens = compactStrings(c.Auth.TaskTokens)
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
