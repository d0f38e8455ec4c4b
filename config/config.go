// Package config holds the Conductor runtime configuration.
package config

import "time"

// Config represents the core Conductor configuration
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Server  ServerConfig  `mapstructure:"server"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// BrokerConfig configures the message broker connection
type BrokerConfig struct {
	URL string `mapstructure:"url"` // redis address, e.g. "redis://localhost:6379/0"
}

// WorkerConfig configures module worker pools and job lifecycle timing
type WorkerConfig struct {
	Workers              int  `mapstructure:"workers"`                // concurrent workers per module (default: 1)
	ModuleDeadlineSecs   int  `mapstructure:"module_deadline_secs"`   // per-hop handler timeout (default: 120)
	WaitingTTLSecs       int  `mapstructure:"waiting_ttl_secs"`       // human-input wait TTL (default: 1800)
	JobRetentionSecs     int  `mapstructure:"job_retention_secs"`     // terminal-record retention (default: 86400)
	PopTimeoutSecs       int  `mapstructure:"pop_timeout_secs"`       // blocking-pop slice (default: 5)
	MaxTransientAttempts int  `mapstructure:"max_transient_attempts"` // handler-retry ceiling (default: 3)
	AutoConfirmPlan      bool `mapstructure:"auto_confirm_plan"`      // plan_confirm short-circuits without parking
}

// ServerConfig configures the submission and streaming front
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ArchiveConfig configures the terminal-record archive
type ArchiveConfig struct {
	Path string `mapstructure:"path"` // sqlite file; empty disables archiving
}

// DefaultServerPort is the front's listen port when none is configured
const DefaultServerPort = 8770

// ModuleDeadline returns the per-hop handler deadline as a duration
func (c *Config) ModuleDeadline() time.Duration {
	return time.Duration(c.Worker.ModuleDeadlineSecs) * time.Second
}

// WaitingTTL returns the human-input wait TTL as a duration
func (c *Config) WaitingTTL() time.Duration {
	return time.Duration(c.Worker.WaitingTTLSecs) * time.Second
}

// JobRetention returns the terminal-record retention TTL as a duration
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.Worker.JobRetentionSecs) * time.Second
}

// PopTimeout returns the blocking-pop slice as a duration
func (c *Config) PopTimeout() time.Duration {
	return time.Duration(c.Worker.PopTimeoutSecs) * time.Second
}
