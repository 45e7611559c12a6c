package config

import (
	"time"

	"grimm.is/harborshield/internal/brand"
)

// Config is the top-level structure for the daemon configuration.
type Config struct {
	// Directory holding state.db. Created on start if missing.
	DataDir string `hcl:"data_dir,optional" json:"data_dir"`

	// host:port the health endpoint binds to. Its port stays reachable in fail-closed mode.
	HealthListen string `hcl:"health_listen,optional" json:"health_listen"`

	// nftables table owned by the daemon (inet family).
	Table string `hcl:"table,optional" json:"table"`

	// Container label prefix, e.g. "harborshield" for harborshield.rules.
	LabelPrefix string `hcl:"label_prefix,optional" json:"label_prefix"`

	Reconcile *ReconcileConfig `hcl:"reconcile,block" json:"reconcile,omitempty"`
	Runtime   *RuntimeConfig   `hcl:"runtime,block" json:"runtime,omitempty"`
	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty"`
}

// ReconcileConfig tunes the reconciliation scheduler.
type ReconcileConfig struct {
	Debounce       string `hcl:"debounce,optional" json:"debounce"`
	MaxDebounce    string `hcl:"max_debounce,optional" json:"max_debounce"`
	ResyncInterval string `hcl:"resync_interval,optional" json:"resync_interval"`
	ApplyTimeout   string `hcl:"apply_timeout,optional" json:"apply_timeout"`
	RetryInitial   string `hcl:"retry_initial,optional" json:"retry_initial"`
	RetryMax       string `hcl:"retry_max,optional" json:"retry_max"`
	MaxRetries     int    `hcl:"max_retries,optional" json:"max_retries"`
	Workers        int    `hcl:"workers,optional" json:"workers"`
	HistoryLimit   int    `hcl:"history_limit,optional" json:"history_limit"`
}

// RuntimeConfig describes the container runtime connection.
type RuntimeConfig struct {
	// Empty means use DOCKER_HOST / the default socket.
	DockerHost         string `hcl:"docker_host,optional" json:"docker_host,omitempty"`
	ResyncTimeout      string `hcl:"resync_timeout,optional" json:"resync_timeout"`
	DriftCheckInterval string `hcl:"drift_check_interval,optional" json:"drift_check_interval"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level  string        `hcl:"level,optional" json:"level"`
	JSON   bool          `hcl:"json,optional" json:"json"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig enables remote syslog when the block is present.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// Defaults
const (
	DefaultDebounce           = 500 * time.Millisecond
	DefaultMaxDebounce        = 5 * time.Second
	DefaultResyncInterval     = time.Minute
	DefaultApplyTimeout       = 10 * time.Second
	DefaultRetryInitial       = time.Second
	DefaultRetryMax           = 30 * time.Second
	DefaultMaxRetries         = 5
	DefaultWorkers            = 4
	DefaultHistoryLimit       = 20
	DefaultResyncTimeout      = 30 * time.Second
	DefaultDriftCheckInterval = 5 * time.Minute
)

// Default returns a configuration with every field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = brand.GetStateDir()
	}
	if c.HealthListen == "" {
		c.HealthListen = brand.DefaultHealthListen
	}
	if c.Table == "" {
		c.Table = brand.TableName
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = brand.LabelPrefix
	}

	if c.Reconcile == nil {
		c.Reconcile = &ReconcileConfig{}
	}
	r := c.Reconcile
	setDuration(&r.Debounce, DefaultDebounce)
	setDuration(&r.MaxDebounce, DefaultMaxDebounce)
	setDuration(&r.ResyncInterval, DefaultResyncInterval)
	setDuration(&r.ApplyTimeout, DefaultApplyTimeout)
	setDuration(&r.RetryInitial, DefaultRetryInitial)
	setDuration(&r.RetryMax, DefaultRetryMax)
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.Workers == 0 {
		r.Workers = DefaultWorkers
	}
	if r.HistoryLimit == 0 {
		r.HistoryLimit = DefaultHistoryLimit
	}

	if c.Runtime == nil {
		c.Runtime = &RuntimeConfig{}
	}
	setDuration(&c.Runtime.ResyncTimeout, DefaultResyncTimeout)
	setDuration(&c.Runtime.DriftCheckInterval, DefaultDriftCheckInterval)

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if s := c.Log.Syslog; s != nil {
		if s.Port == 0 {
			s.Port = 514
		}
		if s.Protocol == "" {
			s.Protocol = "udp"
		}
		if s.Tag == "" {
			s.Tag = brand.LowerName
		}
		if s.Facility == 0 {
			s.Facility = 1
		}
	}
}

func setDuration(field *string, d time.Duration) {
	if *field == "" {
		*field = d.String()
	}
}

// Timings holds the parsed duration fields.
type Timings struct {
	Debounce           time.Duration
	MaxDebounce        time.Duration
	ResyncInterval     time.Duration
	ApplyTimeout       time.Duration
	RetryInitial       time.Duration
	RetryMax           time.Duration
	ResyncTimeout      time.Duration
	DriftCheckInterval time.Duration
}

// Timings parses the duration strings. Call after ApplyDefaults.
func (c *Config) Timings() (Timings, error) {
	var t Timings
	var errs ValidationErrors
	parse := func(field, value string, dst *time.Duration) {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			return
		}
		if d <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive"})
			return
		}
		*dst = d
	}
	parse("reconcile.debounce", c.Reconcile.Debounce, &t.Debounce)
	parse("reconcile.max_debounce", c.Reconcile.MaxDebounce, &t.MaxDebounce)
	parse("reconcile.resync_interval", c.Reconcile.ResyncInterval, &t.ResyncInterval)
	parse("reconcile.apply_timeout", c.Reconcile.ApplyTimeout, &t.ApplyTimeout)
	parse("reconcile.retry_initial", c.Reconcile.RetryInitial, &t.RetryInitial)
	parse("reconcile.retry_max", c.Reconcile.RetryMax, &t.RetryMax)
	parse("runtime.resync_timeout", c.Runtime.ResyncTimeout, &t.ResyncTimeout)
	parse("runtime.drift_check_interval", c.Runtime.DriftCheckInterval, &t.DriftCheckInterval)
	if errs.HasErrors() {
		return t, errs
	}
	return t, nil
}
