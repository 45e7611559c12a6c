package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,31}$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the configuration. ApplyDefaults must have run first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.DataDir == "" {
		add("data_dir", "must not be empty")
	}
	if _, err := c.HealthPort(); err != nil {
		add("health_listen", "%v", err)
	}
	if !tableNameRe.MatchString(c.Table) {
		add("table", "invalid nftables table name %q", c.Table)
	}
	if c.LabelPrefix == "" || strings.ContainsAny(c.LabelPrefix, " \t=") {
		add("label_prefix", "invalid label prefix %q", c.LabelPrefix)
	}

	t, err := c.Timings()
	var terrs ValidationErrors
	if errors.As(err, &terrs) {
		errs = append(errs, terrs...)
	} else {
		if t.MaxDebounce < t.Debounce {
			add("reconcile.max_debounce", "must be >= debounce (%s)", t.Debounce)
		}
		if t.RetryMax < t.RetryInitial {
			add("reconcile.retry_max", "must be >= retry_initial (%s)", t.RetryInitial)
		}
	}

	if c.Reconcile.MaxRetries < 1 {
		add("reconcile.max_retries", "must be at least 1")
	}
	if c.Reconcile.Workers < 1 {
		add("reconcile.workers", "must be at least 1")
	}
	if c.Reconcile.HistoryLimit < 1 {
		add("reconcile.history_limit", "must be at least 1")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}
	if s := c.Log.Syslog; s != nil {
		if s.Host == "" {
			add("log.syslog.host", "must not be empty")
		}
		if s.Protocol != "udp" && s.Protocol != "tcp" {
			add("log.syslog.protocol", "must be udp or tcp")
		}
		if s.Port < 1 || s.Port > 65535 {
			add("log.syslog.port", "out of range")
		}
	}

	return errs
}

// HealthPort returns the TCP port of health_listen.
func (c *Config) HealthPort() (uint16, error) {
	_, portStr, err := net.SplitHostPort(c.HealthListen)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid port %q", portStr)
	}
	return uint16(port), nil
}
