package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/askdata/conductor/errors"
)

// SetDefaults installs default values on a viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "redis://localhost:6379/0")

	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.module_deadline_secs", 120)
	v.SetDefault("worker.waiting_ttl_secs", 1800)
	v.SetDefault("worker.job_retention_secs", 86400)
	v.SetDefault("worker.pop_timeout_secs", 5)
	v.SetDefault("worker.max_transient_attempts", 3)
	v.SetDefault("worker.auto_confirm_plan", false)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("archive.path", "conductor.db")
}

// bindEnv wires the documented environment variables onto config keys.
// Env always wins over the config file.
func bindEnv(v *viper.Viper) {
	v.BindEnv("broker.url", "BROKER_URL")
	v.BindEnv("worker.module_deadline_secs", "MODULE_DEADLINE_SECS")
	v.BindEnv("worker.waiting_ttl_secs", "WAITING_TTL_SECS")
	v.BindEnv("worker.job_retention_secs", "JOB_RETENTION_SECS")
	v.BindEnv("worker.pop_timeout_secs", "POP_TIMEOUT_SECS")
	v.BindEnv("worker.max_transient_attempts", "MAX_TRANSIENT_ATTEMPTS")
	v.BindEnv("worker.auto_confirm_plan", "AUTO_CONFIRM_PLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// Load reads the Conductor configuration from conductor.toml (working
// directory, then $HOME/.conductor/) with environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("conductor")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".conductor"))
	}

	SetDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults plus env cover everything
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance.
// Tests use this with an isolated instance and SetDefaults.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate rejects configurations the runtime cannot operate under
func validate(cfg *Config) error {
	if cfg.Broker.URL == "" {
		return errors.New("broker.url must not be empty")
	}
	if cfg.Worker.ModuleDeadlineSecs <= 0 {
		return errors.Newf("worker.module_deadline_secs must be positive, got %d", cfg.Worker.ModuleDeadlineSecs)
	}
	if cfg.Worker.PopTimeoutSecs <= 0 {
		return errors.Newf("worker.pop_timeout_secs must be positive, got %d", cfg.Worker.PopTimeoutSecs)
	}
	if cfg.Worker.MaxTransientAttempts < 1 {
		return errors.Newf("worker.max_transient_attempts must be at least 1, got %d", cfg.Worker.MaxTransientAttempts)
	}
	return nil
}
