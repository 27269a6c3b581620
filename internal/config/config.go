// Package config provides hierarchical configuration loading for ephemerald.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the orchestrator.
type Config struct {
	Server     Server     `yaml:"server"`
	Repo       Repo       `yaml:"repo"`
	Ports      Ports      `yaml:"ports"`
	Supervisor Supervisor `yaml:"supervisor"`
	Proxy      Proxy      `yaml:"proxy"`
	Reaper     Reaper     `yaml:"reaper"`
	Rate       Rate       `yaml:"rate"`
	Git        Git        `yaml:"git"`
	Secrets    Secrets    `yaml:"secrets"`
	Logging    Logging    `yaml:"logging"`
	Otel       Otel       `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Repo holds source repository configuration.
type Repo struct {
	URL          string `yaml:"url"`           // remote used to fetch the reference commit
	Path         string `yaml:"path"`          // local checkout backing all working copies
	WorktreeBase string `yaml:"worktree_base"` // base directory for working copies
	EnvTemplate  string `yaml:"env_template"`  // sanitized env file copied into each working copy
	ReferenceURL string `yaml:"reference_url"` // deployment-info endpoint reporting the production commit
}

// Ports holds the inclusive port range instances may be bound to.
type Ports struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Supervisor holds agent process configuration.
type Supervisor struct {
	Command        string        `yaml:"command"`         // agent binary, e.g. "opencode"
	Args           []string      `yaml:"args"`            // fixed args before --port/--hostname
	LogDir         string        `yaml:"log_dir"`         // per-instance stdout/stderr logs and pid files
	HealthPath     string        `yaml:"health_path"`     // agent readiness endpoint
	StartupTimeout time.Duration `yaml:"startup_timeout"` // bound on readiness polling
	GracePeriod    time.Duration `yaml:"grace_period"`    // SIGTERM to SIGKILL escalation delay
}

// Proxy holds contract-filtered proxy configuration.
type Proxy struct {
	ContractPath string        `yaml:"contract_path"` // agent endpoint serving the API contract
	ContractTTL  time.Duration `yaml:"contract_ttl"`  // cache lifetime for fetched contracts
	FailOpen     bool          `yaml:"fail_open"`     // forward unfiltered when the contract cannot be fetched
	Timeout      time.Duration `yaml:"timeout"`       // upstream request timeout
}

// Reaper holds orphan reclamation configuration.
type Reaper struct {
	Interval time.Duration `yaml:"interval"` // periodic sweep cadence; 0 disables the ticker
	MaxAge   time.Duration `yaml:"max_age"`  // instance lifetime bound; 0 disables age reaping
}

// Rate holds the per-IP rate limit applied to the proxy surface.
type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Git holds git CLI execution configuration.
type Git struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Secrets holds file-based secret configuration.
type Secrets struct {
	Dir        string `yaml:"dir"`          // directory of one-file-per-secret entries
	SSHKeyFile string `yaml:"ssh_key_file"` // deploy key filename within Dir, for git fetches
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Otel holds OpenTelemetry export configuration.
type Otel struct {
	Endpoint string `yaml:"endpoint"` // OTLP gRPC endpoint; empty disables export
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Repo: Repo{
			Path:         "/repo",
			WorktreeBase: "/tmp/debug-worktrees",
			EnvTemplate:  ".env.debug.template",
		},
		Ports: Ports{
			Min: 4100,
			Max: 4200,
		},
		Supervisor: Supervisor{
			Command:        "opencode",
			Args:           []string{"serve"},
			LogDir:         "/tmp/debug-worktrees/logs",
			HealthPath:     "/global/health",
			StartupTimeout: 15 * time.Second,
			GracePeriod:    5 * time.Second,
		},
		Proxy: Proxy{
			ContractPath: "/doc",
			ContractTTL:  10 * time.Minute,
			FailOpen:     false,
			Timeout:      30 * time.Second,
		},
		Reaper: Reaper{
			Interval: time.Minute,
			MaxAge:   24 * time.Hour,
		},
		Rate: Rate{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Git: Git{
			MaxConcurrent: 4,
		},
		Secrets: Secrets{
			Dir:        "/run/secrets",
			SSHKeyFile: "git_deploy_key",
		},
		Logging: Logging{
			Level:   "info",
			Service: "ephemerald",
		},
		Otel: Otel{},
	}
}
