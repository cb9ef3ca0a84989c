package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tohenk/bridgeui/internal/secrets"
)

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks cfg as returned by Load.
func Validate(cfg Config) ValidationResult {
	var res ValidationResult

	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		res.errorf("listen must be host:port, got %q", cfg.Listen)
	}
	if cfg.Prefix != "" && strings.ContainsAny(cfg.Prefix, "?#") {
		res.errorf("prefix must be a plain path, got %q", cfg.Prefix)
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			res.errorf("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			res.errorf("store.dsn is required for the postgres driver")
		}
	default:
		res.errorf("store.driver must be memory|sqlite|postgres, got %q", cfg.Store.Driver)
	}
	if cfg.Store.ActivityRetention < 0 {
		res.errorf("store.activity_retention must be >= 0")
	}

	validatePaging(cfg.Paging, &res)

	if cfg.Poll.Timeout <= 0 {
		res.errorf("poll.timeout must be > 0")
	}
	if cfg.Poll.PushInterval < 0 {
		res.errorf("poll.push_interval must be >= 0")
	}
	if cfg.Sessions.TTL <= 0 {
		res.errorf("sessions.ttl must be > 0")
	}
	if cfg.Sessions.Max <= 0 {
		res.errorf("sessions.max must be > 0")
	}

	validateBridges(cfg.Bridges, &res)
	validateObservability(cfg.Observability, &res)

	if cfg.Health.GRPCListen != "" {
		if _, _, err := net.SplitHostPort(cfg.Health.GRPCListen); err != nil {
			res.errorf("health.grpc_listen must be host:port, got %q", cfg.Health.GRPCListen)
		}
		if cfg.Health.PingInterval <= 0 {
			res.errorf("health.ping_interval must be > 0")
		}
	}

	validateTokenRefs("auth.tokens", cfg.Auth.Tokens, &res)
	validateTokenRefs("auth.task_tokens", cfg.Auth.TaskTokens, &res)

	if len(cfg.Auth.Tokens) == 0 && len(cfg.Auth.TaskTokens) == 0 {
		res.warnf("auth: no tokens configured; /task endpoints accept any caller")
	}
	if cfg.Store.Driver == DriverMemory {
		res.warnf("store.driver memory: queue and errors are lost on restart")
	}

	res.OK = len(res.Errors) == 0
	return res
}

func validatePaging(p PagingConfig, res *ValidationResult) {
	if p.DefaultSize <= 0 {
		res.errorf("paging.default_size must be > 0")
	}
	if p.MaxSize <= 0 {
		res.errorf("paging.max_size must be > 0")
	}
	if p.DefaultSize > 0 && p.MaxSize > 0 && p.DefaultSize > p.MaxSize {
		res.errorf("paging.default_size (%d) must not exceed paging.max_size (%d)", p.DefaultSize, p.MaxSize)
	}
	if p.Window <= 0 {
		res.errorf("paging.window must be > 0")
	}
}

func validateBridges(bridges []BridgeConfig, res *ValidationResult) {
	if len(bridges) == 0 {
		res.warnf("bridges: none configured")
	}
	seen := make(map[string]struct{}, len(bridges))
	for i, b := range bridges {
		field := fmt.Sprintf("bridges[%d]", i)
		if b.Name == "" {
			res.errorf("%s.name is required", field)
			continue
		}
		if _, dup := seen[b.Name]; dup {
			res.errorf("%s.name %q is already used", field, b.Name)
		}
		seen[b.Name] = struct{}{}

		switch b.Kind {
		case BridgeLocal:
			if b.URL != "" {
				res.warnf("%s.url is ignored for local bridges", field)
			}
		case BridgeRemote:
			u, err := url.Parse(strings.TrimSpace(b.URL))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				res.errorf("%s.url must be an absolute http(s) URL, got %q", field, b.URL)
			}
			if b.Token != "" {
				if err := secrets.ValidateRef(b.Token); err != nil {
					res.errorf("%s.token: %v", field, err)
				}
			}
		default:
			res.errorf("%s.kind must be local|remote, got %q", field, b.Kind)
		}
	}
}

func validateTokenRefs(field string, tokens []string, res *ValidationResult) {
	for i, t := range tokens {
		if err := secrets.ValidateRef(t); err != nil {
			res.errorf("%s[%d]: %v", field, i, err)
		}
	}
}

func validateObservability(o ObservabilityConfig, res *ValidationResult) {
	switch o.Log.Level {
	case "debug", "info", "warn", "error", "off":
	default:
		res.errorf("observability.log.level must be debug|info|warn|error|off, got %q", o.Log.Level)
	}
	validateSink("observability.log", o.Log.Output, o.Log.Path, res)
	if o.AccessLog.Enabled {
		validateSink("observability.access_log", o.AccessLog.Output, o.AccessLog.Path, res)
	}

	t := o.Tracing
	if t.Compression != "" && t.Compression != "gzip" && t.Compression != "none" {
		res.errorf("observability.tracing.compression must be gzip|none, got %q", t.Compression)
	}
	if t.Timeout < 0 {
		res.errorf("observability.tracing.timeout must be >= 0")
	}
	if t.Collector != "" {
		if u, err := url.Parse(t.Collector); err != nil || u.Scheme == "" || u.Host == "" {
			res.errorf("observability.tracing.collector must be an absolute URL, got %q", t.Collector)
		}
	}
	if !t.Enabled && t.Collector != "" {
		res.warnf("observability.tracing.collector is set but tracing is disabled")
	}
}

func validateSink(field, output, path string, res *ValidationResult) {
	switch output {
	case "stderr", "stdout":
		if path != "" {
			res.warnf("%s.path is ignored for output %s", field, output)
		}
	case "file":
		if strings.TrimSpace(path) == "" {
			res.errorf("%s.path is required for output file", field)
		}
	default:
		res.errorf("%s.output must be stderr|stdout|file, got %q", field, output)
	}
}
