package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ephemerald.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "EPHEMERALD_PORT")
	setString(&cfg.Server.CORSOrigin, "EPHEMERALD_CORS_ORIGIN")
	setString(&cfg.Repo.URL, "REPO_URL")
	setString(&cfg.Repo.Path, "EPHEMERALD_REPO_PATH")
	setString(&cfg.Repo.WorktreeBase, "EPHEMERALD_WORKTREE_BASE")
	setString(&cfg.Repo.EnvTemplate, "EPHEMERALD_ENV_TEMPLATE")
	setString(&cfg.Repo.ReferenceURL, "EPHEMERALD_REFERENCE_URL")
	setInt(&cfg.Ports.Min, "EPHEMERALD_PORT_MIN")
	setInt(&cfg.Ports.Max, "EPHEMERALD_PORT_MAX")
	setString(&cfg.Supervisor.Command, "EPHEMERALD_AGENT_COMMAND")
	setString(&cfg.Supervisor.LogDir, "EPHEMERALD_LOG_DIR")
	setString(&cfg.Supervisor.HealthPath, "EPHEMERALD_AGENT_HEALTH_PATH")
	setDuration(&cfg.Supervisor.StartupTimeout, "EPHEMERALD_STARTUP_TIMEOUT")
	setDuration(&cfg.Supervisor.GracePeriod, "EPHEMERALD_GRACE_PERIOD")
	setString(&cfg.Proxy.ContractPath, "EPHEMERALD_CONTRACT_PATH")
	setDuration(&cfg.Proxy.ContractTTL, "EPHEMERALD_CONTRACT_TTL")
	setBool(&cfg.Proxy.FailOpen, "EPHEMERALD_PROXY_FAIL_OPEN")
	setDuration(&cfg.Proxy.Timeout, "EPHEMERALD_PROXY_TIMEOUT")
	setDuration(&cfg.Reaper.Interval, "EPHEMERALD_REAPER_INTERVAL")
	setDuration(&cfg.Reaper.MaxAge, "EPHEMERALD_INSTANCE_MAX_AGE")
	setFloat64(&cfg.Rate.RequestsPerSecond, "EPHEMERALD_RATE_RPS")
	setInt(&cfg.Rate.Burst, "EPHEMERALD_RATE_BURST")
	setInt(&cfg.Git.MaxConcurrent, "EPHEMERALD_GIT_MAX_CONCURRENT")
	setString(&cfg.Secrets.Dir, "EPHEMERALD_SECRETS_DIR")
	setString(&cfg.Secrets.SSHKeyFile, "EPHEMERALD_SSH_KEY_FILE")
	setString(&cfg.Logging.Level, "EPHEMERALD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "EPHEMERALD_LOG_SERVICE")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate rejects configurations the orchestrator cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if cfg.Ports.Min <= 0 || cfg.Ports.Max <= 0 {
		return errors.New("ports.min and ports.max must be positive")
	}
	if cfg.Ports.Min > cfg.Ports.Max {
		return fmt.Errorf("ports.min %d exceeds ports.max %d", cfg.Ports.Min, cfg.Ports.Max)
	}
	if cfg.Repo.Path == "" {
		return errors.New("repo.path must not be empty")
	}
	if cfg.Repo.WorktreeBase == "" {
		return errors.New("repo.worktree_base must not be empty")
	}
	if cfg.Supervisor.Command == "" {
		return errors.New("supervisor.command must not be empty")
	}
	if cfg.Supervisor.StartupTimeout <= 0 {
		return errors.New("supervisor.startup_timeout must be positive")
	}
	if cfg.Git.MaxConcurrent < 1 {
		return errors.New("git.max_concurrent must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
