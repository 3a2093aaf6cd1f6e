package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRelay(cfg, ve)
	validateStorage(cfg, ve)
	validateTimings(cfg, ve)
	validateSideChannel(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if r.URL == "" {
		ve.Add("relay.url must not be empty")
	} else if u, err := url.Parse(r.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		ve.Add("relay.url %q must be a ws:// or wss:// URL", r.URL)
	}
	if r.HTTPURL != "" {
		if u, err := url.Parse(r.HTTPURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("relay.http_url %q must be an http:// or https:// URL", r.HTTPURL)
		}
	}
	if r.RequestTimeout <= 0 {
		ve.Add("relay.request_timeout must be > 0")
	}
	if r.DialTimeout <= 0 {
		ve.Add("relay.dial_timeout must be > 0")
	}
	if r.BackoffFloor <= 0 {
		ve.Add("relay.backoff_floor must be > 0")
	}
	if r.BackoffCeiling < r.BackoffFloor {
		ve.Add("relay.backoff_ceiling must be >= relay.backoff_floor")
	}
	if r.DialRate <= 0 {
		ve.Add("relay.dial_rate must be > 0")
	}
	if r.DialBurst < 1 {
		ve.Add("relay.dial_burst must be >= 1")
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	switch cfg.Storage.Backend {
	case "", "sqlite", "file":
		if cfg.Storage.Path == "" {
			ve.Add("storage.path is required for persistent backends")
		}
	case "memory":
	default:
		ve.Add("storage.backend %q is not one of sqlite, file, memory", cfg.Storage.Backend)
	}
}

func validateTimings(cfg *Config, ve *ValidationError) {
	if cfg.Cache.Debounce <= 0 {
		ve.Add("cache.debounce must be > 0")
	}
	if cfg.Questions.DismissGrace <= 0 {
		ve.Add("questions.dismiss_grace must be > 0")
	}
	if cfg.Logs.PollInterval <= 0 {
		ve.Add("logs.poll_interval must be > 0")
	}
	if cfg.Logs.TailBytes <= 0 {
		ve.Add("logs.tail_bytes must be > 0")
	}
}

func validateSideChannel(cfg *Config, ve *ValidationError) {
	if cfg.SideChannel.Timeout <= 0 {
		ve.Add("side_channel.timeout must be > 0")
	}
	cb := cfg.SideChannel.CircuitBreaker
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("side_channel.circuit_breaker.max_failures must be > 0")
	}
	if cb.Timeout <= 0 {
		ve.Add("side_channel.circuit_breaker.timeout must be > 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "file":
		if cfg.Tracer.Path == "" {
			ve.Add("tracer.path is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is not one of stdout, file, noop", cfg.Tracer.Exporter)
	}
}
